// Package handle tracks open file handles. Handle numbers are small
// integers allocated slab-style: released numbers are reused before the
// counter grows. Each handle carries the write-back buffer and the
// sequential-read detector for its open file.
package handle

import (
	"sync"

	"github.com/sbstp/nightshift/pkg/fserr"
)

// FlushFunc persists a buffered contiguous write. Implemented by the
// engine's flush path.
type FlushFunc func(ino int64, off int64, data []byte) error

// Handle is one open file. Its buffer methods are safe for concurrent
// use; the flush callback runs under the handle lock, so buffered
// writes for one handle persist in order.
type Handle struct {
	id       uint64
	ino      int64
	writable bool

	mu       sync.Mutex
	dirtyOff int64
	dirty    []byte
	readPos  int64
	seqRuns  int
}

// ID returns the handle number.
func (h *Handle) ID() uint64 { return h.id }

// Ino returns the inode the handle is open on.
func (h *Handle) Ino() int64 { return h.ino }

// Writable reports whether the handle was opened for writing.
func (h *Handle) Writable() bool { return h.writable }

// Write stages data at off in the handle buffer. A non-contiguous
// offset flushes the pending buffer first; crossing threshold bytes
// flushes the merged buffer. Data is copied, the caller may reuse it.
func (h *Handle) Write(off int64, data []byte, threshold int, flush FlushFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.dirty) > 0 && off != h.dirtyOff+int64(len(h.dirty)) {
		if err := h.flushLocked(flush); err != nil {
			return err
		}
	}
	if len(h.dirty) == 0 {
		h.dirtyOff = off
	}
	h.dirty = append(h.dirty, data...)

	if len(h.dirty) >= threshold {
		return h.flushLocked(flush)
	}
	return nil
}

// Flush persists the pending buffer, if any.
func (h *Handle) Flush(flush FlushFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(flush)
}

func (h *Handle) flushLocked(flush FlushFunc) error {
	if len(h.dirty) == 0 {
		return nil
	}
	if err := flush(h.ino, h.dirtyOff, h.dirty); err != nil {
		return err
	}
	h.dirtyOff = 0
	h.dirty = nil
	return nil
}

// Dirty returns a copy of the pending buffer for read overlays.
func (h *Handle) Dirty() (off int64, data []byte, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.dirty) == 0 {
		return 0, nil, false
	}
	data = make([]byte, len(h.dirty))
	copy(data, h.dirty)
	return h.dirtyOff, data, true
}

// NoteRead records a read at off of n bytes and reports whether the
// handle is in a sequential run, which the engine uses to prefetch.
func (h *Handle) NoteRead(off, n int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off == h.readPos {
		h.seqRuns++
	} else {
		h.seqRuns = 0
	}
	h.readPos = off + n
	return h.seqRuns >= 2
}

// Table allocates and resolves handles. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	handles map[uint64]*Handle
	free    []uint64
	next    uint64
}

// NewTable returns an empty handle table.
func NewTable() *Table {
	return &Table{
		handles: make(map[uint64]*Handle),
		next:    1,
	}
}

// Open allocates a handle on ino with the given access mode. Released
// numbers are reused.
func (t *Table) Open(ino int64, writable bool) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var id uint64
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		id = t.next
		t.next++
	}
	h := &Handle{id: id, ino: ino, writable: writable}
	t.handles[id] = h
	return h
}

// Get resolves a handle number.
func (t *Table) Get(id uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, fserr.E(fserr.KindInvalid, "handle", "")
	}
	return h, nil
}

// Release removes the handle and returns it so the caller can do the
// final flush. Releasing an unknown number returns nil.
func (t *Table) Release(id uint64) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return nil
	}
	delete(t.handles, id)
	t.free = append(t.free, id)
	return h
}

// Len reports the number of open handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// All returns the open handles, for shutdown flushing.
func (t *Table) All() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}
