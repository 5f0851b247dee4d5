//go:build !linux

package fuse

import (
	"context"
	"fmt"

	"github.com/sbstp/nightshift/pkg/engine"
)

// Mount exposes the engine at a FUSE mountpoint. Only supported on
// linux.
func Mount(ctx context.Context, eng *engine.Engine, mountpoint string) error {
	return fmt.Errorf("fuse mount not supported on this platform")
}
