package engine

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/fserr"
	"github.com/sbstp/nightshift/pkg/gc"
	"github.com/sbstp/nightshift/pkg/handle"
	"github.com/sbstp/nightshift/pkg/meta"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	var key [codec.KeySize]byte
	for i := range key {
		key[i] = byte(i * 7)
	}
	e, err := Open(Config{
		Dir:    t.TempDir(),
		Key:    key,
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func mkfile(t *testing.T, e *Engine, parent int64, name string) (meta.Attr, *handle.Handle) {
	t.Helper()
	attr, h, err := e.Create(context.Background(), parent, name, 0o644, 1000, 1000)
	require.NoError(t, err)
	return attr, h
}

func writeAll(t *testing.T, e *Engine, h *handle.Handle, off int64, data []byte) {
	t.Helper()
	n, err := e.Write(context.Background(), h, off, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func readAll(t *testing.T, e *Engine, h *handle.Handle, off int64, size int) []byte {
	t.Helper()
	out, err := e.Read(context.Background(), h, off, size)
	require.NoError(t, err)
	return out
}

func refcountOf(t *testing.T, e *Engine, digest codec.Digest) int64 {
	t.Helper()
	var count int64
	err := e.db.ReadTx(context.Background(), func(tx *meta.Tx) error {
		info, err := meta.LookupBlock(tx, digest)
		if err != nil {
			return err
		}
		count = info.Refcount
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestExclusiveLock(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	dir := t.TempDir()
	var key [codec.KeySize]byte

	first, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(Config{Dir: dir, Key: key, Logger: log})
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "data.bin")

	content := bytes.Repeat([]byte("0123456789"), 5000)
	writeAll(t, e, h, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h))

	got := readAll(t, e, h, 0, len(content))
	assert.Equal(t, content, got)

	attr, err := e.GetAttr(ctx, h.Ino())
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), attr.Size)
}

func TestDirtyBufferVisibility(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "buffered")

	// Not flushed yet: visible through the same handle.
	writeAll(t, e, h, 0, []byte("pending bytes"))
	assert.Equal(t, "pending bytes", string(readAll(t, e, h, 0, 64)))

	// A second handle on the same file does not see the buffer.
	h2, err := e.OpenFile(ctx, h.Ino(), false)
	require.NoError(t, err)
	assert.Empty(t, readAll(t, e, h2, 0, 64))

	require.NoError(t, e.FlushHandle(ctx, h))
	assert.Equal(t, "pending bytes", string(readAll(t, e, h2, 0, 64)))
}

func TestWriteOnReadOnlyHandle(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "readonly")
	writeAll(t, e, h, 0, []byte("content"))
	require.NoError(t, e.FlushHandle(ctx, h))

	ro, err := e.OpenFile(ctx, h.Ino(), false)
	require.NoError(t, err)

	_, err = e.Write(ctx, ro, 0, []byte("nope"))
	require.Error(t, err)
	assert.Equal(t, fserr.KindPermission, fserr.KindOf(err))

	_, err = e.CopyRange(ctx, h, 0, ro, 0, 4)
	require.Error(t, err)
	assert.Equal(t, fserr.KindPermission, fserr.KindOf(err))

	// Reading through the handle still works.
	assert.Equal(t, "content", string(readAll(t, e, ro, 0, 64)))
}

func TestFlushOnSeek(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "seeky")

	writeAll(t, e, h, 0, []byte("aaaa"))
	// Non-contiguous write pushes the first buffer out.
	writeAll(t, e, h, 100, []byte("bbbb"))

	h2, err := e.OpenFile(ctx, h.Ino(), false)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(readAll(t, e, h2, 0, 4)))

	require.NoError(t, e.FlushHandle(ctx, h))
	got := readAll(t, e, h2, 0, 104)
	assert.Equal(t, "aaaa", string(got[:4]))
	assert.Equal(t, make([]byte, 96), got[4:100], "hole reads as zeroes")
	assert.Equal(t, "bbbb", string(got[100:]))
}

func TestShortReadAtEOF(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "short")
	writeAll(t, e, h, 0, []byte("0123456789"))
	require.NoError(t, e.FlushHandle(ctx, h))

	assert.Equal(t, "56789", string(readAll(t, e, h, 5, 100)))
	assert.Empty(t, readAll(t, e, h, 10, 100))
	assert.Empty(t, readAll(t, e, h, 1000, 100))
}

func TestDedupIdenticalContent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	content := []byte("HELLO")

	_, h1 := mkfile(t, e, meta.RootIno, "a.txt")
	writeAll(t, e, h1, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h1))

	_, h2 := mkfile(t, e, meta.RootIno, "b.txt")
	writeAll(t, e, h2, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h2))

	digest := codec.Sum(content)
	assert.Equal(t, int64(2), refcountOf(t, e, digest))

	st, err := e.StatFS(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Blocks, "identical content stores one payload")
	assert.Equal(t, int64(10), st.LogicalBytes)
}

func TestOverwriteReleasesOldBlocks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "rewrite")

	writeAll(t, e, h, 0, []byte("first version"))
	require.NoError(t, e.FlushHandle(ctx, h))
	oldDigest := codec.Sum([]byte("first version"))
	require.Equal(t, int64(1), refcountOf(t, e, oldDigest))

	writeAll(t, e, h, 0, []byte("second versio"))
	require.NoError(t, e.FlushHandle(ctx, h))
	assert.Equal(t, int64(0), refcountOf(t, e, oldDigest))
	assert.Equal(t, "second versio", string(readAll(t, e, h, 0, 64)))
}

func TestPartialOverwriteMergesSegments(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "merge")

	base := bytes.Repeat([]byte("x"), 200_000)
	writeAll(t, e, h, 0, base)
	require.NoError(t, e.FlushHandle(ctx, h))

	patch := bytes.Repeat([]byte("P"), 1000)
	writeAll(t, e, h, 100_000, patch)
	require.NoError(t, e.FlushHandle(ctx, h))

	want := append([]byte(nil), base...)
	copy(want[100_000:], patch)
	assert.Equal(t, want, readAll(t, e, h, 0, len(want)))

	attr, err := e.GetAttr(ctx, h.Ino())
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), attr.Size)
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "trunc")

	content := bytes.Repeat([]byte("abcdefgh"), 20_000) // 160 KB
	writeAll(t, e, h, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h))

	size := int64(100)
	attr, err := e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
	require.NoError(t, err)
	assert.Equal(t, int64(100), attr.Size)
	assert.Equal(t, content[:100], readAll(t, e, h, 0, 1000))

	// Grow back: the tail reads as zeroes.
	size = 300
	_, err = e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
	require.NoError(t, err)
	got := readAll(t, e, h, 0, 1000)
	require.Len(t, got, 300)
	assert.Equal(t, content[:100], got[:100])
	assert.Equal(t, make([]byte, 200), got[100:])
}

func TestWriteInsideTruncateHole(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "sparse")

	writeAll(t, e, h, 0, []byte("head"))
	require.NoError(t, e.FlushHandle(ctx, h))

	size := int64(1000)
	_, err := e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
	require.NoError(t, err)

	// A write landing inside the tail hole leaves unmaterialized ranges
	// on both sides; reads must return zeroes for them.
	writeAll(t, e, h, 500, []byte("body"))
	require.NoError(t, e.FlushHandle(ctx, h))

	attr, err := e.GetAttr(ctx, h.Ino())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), attr.Size)

	got := readAll(t, e, h, 0, 2000)
	require.Len(t, got, 1000)
	assert.Equal(t, "head", string(got[:4]))
	assert.Equal(t, make([]byte, 496), got[4:500])
	assert.Equal(t, "body", string(got[500:504]))
	assert.Equal(t, make([]byte, 496), got[504:])
}

func TestTruncateToZeroReleasesBlocks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "wipe")

	writeAll(t, e, h, 0, []byte("doomed content"))
	require.NoError(t, e.FlushHandle(ctx, h))
	digest := codec.Sum([]byte("doomed content"))
	require.Equal(t, int64(1), refcountOf(t, e, digest))

	size := int64(0)
	_, err := e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
	require.NoError(t, err)
	assert.Equal(t, int64(0), refcountOf(t, e, digest))
}

func TestTruncateFlushesPendingWrites(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "pending")

	writeAll(t, e, h, 0, []byte("0123456789"))
	size := int64(4)
	_, err := e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
	require.NoError(t, err)
	assert.Equal(t, "0123", string(readAll(t, e, h, 0, 100)))
}

func TestWriteTruncateRewriteNoDuplicates(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "cycle")
	content := []byte("cycled content")

	for i := 0; i < 3; i++ {
		writeAll(t, e, h, 0, content)
		require.NoError(t, e.FlushHandle(ctx, h))
		size := int64(0)
		_, err := e.SetAttr(ctx, h.Ino(), SetAttrReq{Size: &size})
		require.NoError(t, err)
	}
	writeAll(t, e, h, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h))

	assert.Equal(t, int64(1), refcountOf(t, e, codec.Sum(content)))
	st, err := e.StatFS(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Blocks)
}

func TestUnlinkReleasesContent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "gone.txt")
	writeAll(t, e, h, 0, []byte("ephemeral"))
	require.NoError(t, e.FlushHandle(ctx, h))
	require.NoError(t, e.ReleaseHandle(ctx, h.ID()))

	require.NoError(t, e.Unlink(ctx, meta.RootIno, "gone.txt"))

	_, err := e.Lookup(ctx, meta.RootIno, "gone.txt")
	assert.True(t, fserr.IsNotFound(err))
	assert.Equal(t, int64(0), refcountOf(t, e, codec.Sum([]byte("ephemeral"))))

	// The sweeper can now reclaim the payload; a later open fails.
	sweeper := gc.NewSweeper(gc.Options{DB: e.DB(), Blocks: e.Blocks(), Logger: logrus.StandardLogger()})
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Swept)
}

func TestUnlinkKeepsSharedBlocks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	content := []byte("HELLO")

	_, h1 := mkfile(t, e, meta.RootIno, "a.txt")
	writeAll(t, e, h1, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h1))
	_, h2 := mkfile(t, e, meta.RootIno, "b.txt")
	writeAll(t, e, h2, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h2))

	require.NoError(t, e.Unlink(ctx, meta.RootIno, "a.txt"))
	assert.Equal(t, int64(1), refcountOf(t, e, codec.Sum(content)))
	assert.Equal(t, "HELLO", string(readAll(t, e, h2, 0, 64)))
}

func TestHardlinks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	attr, h := mkfile(t, e, meta.RootIno, "orig")
	writeAll(t, e, h, 0, []byte("linked data"))
	require.NoError(t, e.FlushHandle(ctx, h))

	linked, err := e.Link(ctx, attr.Ino, meta.RootIno, "alias")
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, linked.Ino)
	assert.Equal(t, uint32(2), linked.Nlink)

	require.NoError(t, e.Unlink(ctx, meta.RootIno, "orig"))
	got, err := e.Lookup(ctx, meta.RootIno, "alias")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Nlink)
	assert.Equal(t, "linked data", string(readAll(t, e, h, 0, 64)))

	require.NoError(t, e.Unlink(ctx, meta.RootIno, "alias"))
	_, err = e.GetAttr(ctx, attr.Ino)
	assert.True(t, fserr.IsNotFound(err))
}

func TestSymlinks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	attr, err := e.Symlink(ctx, meta.RootIno, "ln", "/some/target", 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, meta.KindSymlink, attr.Kind)
	assert.Equal(t, int64(len("/some/target")), attr.Size)

	target, err := e.Readlink(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, "/some/target", target)

	_, err = e.Readlink(ctx, meta.RootIno)
	assert.Error(t, err)
}

func TestMkdirRmdir(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	dir, err := e.Mkdir(ctx, meta.RootIno, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, meta.KindDir, dir.Kind)
	assert.Equal(t, uint32(2), dir.Nlink)

	root, err := e.GetAttr(ctx, meta.RootIno)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), root.Nlink)

	mkfile(t, e, dir.Ino, "occupant")
	err = e.Rmdir(ctx, meta.RootIno, "sub")
	assert.Equal(t, fserr.KindNotEmpty, fserr.KindOf(err))

	require.NoError(t, e.Unlink(ctx, dir.Ino, "occupant"))
	require.NoError(t, e.Rmdir(ctx, meta.RootIno, "sub"))

	root, err = e.GetAttr(ctx, meta.RootIno)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), root.Nlink)
}

func TestReaddir(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	mkfile(t, e, meta.RootIno, "file")
	_, err := e.Mkdir(ctx, meta.RootIno, "dir", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = e.Symlink(ctx, meta.RootIno, "link", "target", 0, 0)
	require.NoError(t, err)

	ents, err := e.Readdir(ctx, meta.RootIno)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	assert.Equal(t, "dir", ents[0].Name)
	assert.Equal(t, meta.KindDir, ents[0].Kind)
	assert.Equal(t, "file", ents[1].Name)
	assert.Equal(t, meta.KindFile, ents[1].Kind)
	assert.Equal(t, "link", ents[2].Name)
	assert.Equal(t, meta.KindSymlink, ents[2].Kind)
}

func TestRenameBasic(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	attr, _ := mkfile(t, e, meta.RootIno, "before")

	require.NoError(t, e.Rename(ctx, meta.RootIno, "before", meta.RootIno, "after"))
	got, err := e.Lookup(ctx, meta.RootIno, "after")
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, got.Ino)
	_, err = e.Lookup(ctx, meta.RootIno, "before")
	assert.True(t, fserr.IsNotFound(err))
}

func TestRenameReplacesFile(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, hOld := mkfile(t, e, meta.RootIno, "victim")
	writeAll(t, e, hOld, 0, []byte("old content"))
	require.NoError(t, e.FlushHandle(ctx, hOld))

	src, hNew := mkfile(t, e, meta.RootIno, "replacement")
	writeAll(t, e, hNew, 0, []byte("new content"))
	require.NoError(t, e.FlushHandle(ctx, hNew))

	require.NoError(t, e.Rename(ctx, meta.RootIno, "replacement", meta.RootIno, "victim"))

	got, err := e.Lookup(ctx, meta.RootIno, "victim")
	require.NoError(t, err)
	assert.Equal(t, src.Ino, got.Ino)
	assert.Equal(t, int64(0), refcountOf(t, e, codec.Sum([]byte("old content"))))
}

func TestRenameRejectsNonEmptyDirTarget(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	full, err := e.Mkdir(ctx, meta.RootIno, "full", 0o755, 0, 0)
	require.NoError(t, err)
	mkfile(t, e, full.Ino, "occupant")
	_, err = e.Mkdir(ctx, meta.RootIno, "src", 0o755, 0, 0)
	require.NoError(t, err)

	err = e.Rename(ctx, meta.RootIno, "src", meta.RootIno, "full")
	assert.Equal(t, fserr.KindNotEmpty, fserr.KindOf(err))

	// Source and destination are untouched after the failure.
	_, err = e.Lookup(ctx, meta.RootIno, "src")
	require.NoError(t, err)
	_, err = e.Lookup(ctx, meta.RootIno, "full")
	require.NoError(t, err)
}

func TestRenameDirAcrossParents(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	a, err := e.Mkdir(ctx, meta.RootIno, "a", 0o755, 0, 0)
	require.NoError(t, err)
	b, err := e.Mkdir(ctx, meta.RootIno, "b", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = e.Mkdir(ctx, a.Ino, "moving", 0o755, 0, 0)
	require.NoError(t, err)

	require.NoError(t, e.Rename(ctx, a.Ino, "moving", b.Ino, "moved"))

	aAttr, err := e.GetAttr(ctx, a.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), aAttr.Nlink)
	bAttr, err := e.GetAttr(ctx, b.Ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), bAttr.Nlink)
}

func TestSetAttrModeAndOwner(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	attr, _ := mkfile(t, e, meta.RootIno, "perms")

	mode := uint32(0o600)
	uid, gid := uint32(1), uint32(2)
	when := time.Unix(1600000000, 0)
	got, err := e.SetAttr(ctx, attr.Ino, SetAttrReq{
		Mode: &mode, UID: &uid, GID: &gid, Atime: &when, Mtime: &when,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), got.Mode)
	assert.Equal(t, uint32(1), got.UID)
	assert.Equal(t, uint32(2), got.GID)
	assert.Equal(t, when.UnixNano(), got.Mtime.UnixNano())
}

func TestInvalidNames(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	for _, name := range []string{"", ".", "..", "a/b", string(bytes.Repeat([]byte("n"), 256))} {
		_, _, err := e.Create(ctx, meta.RootIno, name, 0o644, 0, 0)
		assert.Equal(t, fserr.KindInvalid, fserr.KindOf(err), "name %q", name)
	}
}

func TestCreateExisting(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	mkfile(t, e, meta.RootIno, "dup")
	_, _, err := e.Create(ctx, meta.RootIno, "dup", 0o644, 0, 0)
	assert.Equal(t, fserr.KindAlreadyExists, fserr.KindOf(err))
}

func TestUnlinkDirectoryRejected(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, err := e.Mkdir(ctx, meta.RootIno, "d", 0o755, 0, 0)
	require.NoError(t, err)
	err = e.Unlink(ctx, meta.RootIno, "d")
	assert.Equal(t, fserr.KindIsADirectory, fserr.KindOf(err))
	err = e.Rmdir(ctx, meta.RootIno, "d")
	require.NoError(t, err)
}

func TestRmdirOnFileRejected(t *testing.T) {
	e := testEngine(t)
	mkfile(t, e, meta.RootIno, "f")
	err := e.Rmdir(context.Background(), meta.RootIno, "f")
	assert.Equal(t, fserr.KindNotADirectory, fserr.KindOf(err))
}

func TestReleaseAfterUnlinkDiscardsBuffer(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "doomed")
	writeAll(t, e, h, 0, []byte("never lands"))
	require.NoError(t, e.Unlink(ctx, meta.RootIno, "doomed"))
	assert.NoError(t, e.ReleaseHandle(ctx, h.ID()))
}

func TestCopyRangeAlignedSharesBlocks(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("share me "), 30_000) // ~270 KB
	_, src := mkfile(t, e, meta.RootIno, "src")
	writeAll(t, e, src, 0, content)
	require.NoError(t, e.FlushHandle(ctx, src))

	before, err := e.StatFS(ctx)
	require.NoError(t, err)

	_, dst := mkfile(t, e, meta.RootIno, "dst")
	n, err := e.CopyRange(ctx, src, 0, dst, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	assert.Equal(t, content, readAll(t, e, dst, 0, len(content)))

	// Whole-file copy shares every block instead of storing new ones.
	after, err := e.StatFS(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Blocks, after.Blocks)
	assert.Equal(t, before.PlainBytes, after.PlainBytes)
}

func TestCopyRangeUnaligned(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("abcdefghij"), 20_000)
	_, src := mkfile(t, e, meta.RootIno, "src")
	writeAll(t, e, src, 0, content)
	require.NoError(t, e.FlushHandle(ctx, src))

	_, dst := mkfile(t, e, meta.RootIno, "dst")
	n, err := e.CopyRange(ctx, src, 7, dst, 3, 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), n)

	got := readAll(t, e, dst, 0, 50_003)
	assert.Equal(t, make([]byte, 3), got[:3])
	assert.Equal(t, content[7:50_007], got[3:])
}

func TestCopyRangeClampsAtSourceEOF(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, src := mkfile(t, e, meta.RootIno, "src")
	writeAll(t, e, src, 0, []byte("tiny"))
	require.NoError(t, e.FlushHandle(ctx, src))

	_, dst := mkfile(t, e, meta.RootIno, "dst")
	n, err := e.CopyRange(ctx, src, 2, dst, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "ny", string(readAll(t, e, dst, 0, 10)))

	n, err = e.CopyRange(ctx, src, 100, dst, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSequentialReadAcrossSegments(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	_, h := mkfile(t, e, meta.RootIno, "big")

	content := make([]byte, 600_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeAll(t, e, h, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h))

	var got []byte
	for off := 0; off < len(content); off += 64 * 1024 {
		chunk := readAll(t, e, h, int64(off), 64*1024)
		got = append(got, chunk...)
	}
	assert.Equal(t, content, got)
}

func TestStatFS(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	st, err := e.StatFS(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Inodes) // root only
	assert.Equal(t, int64(0), st.Blocks)
}

func TestCloseFlushesHandles(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	dir := t.TempDir()
	var key [codec.KeySize]byte

	e, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	_, h := mkfile(t, e, meta.RootIno, "persist")
	writeAll(t, e, h, 0, []byte("survives close"))
	require.NoError(t, e.Close())

	e2, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	defer e2.Close()
	attr, err := e2.Lookup(context.Background(), meta.RootIno, "persist")
	require.NoError(t, err)
	h2, err := e2.OpenFile(context.Background(), attr.Ino, false)
	require.NoError(t, err)
	assert.Equal(t, "survives close", string(readAll(t, e2, h2, 0, 64)))
}

func TestFlushedWritesSurviveRestart(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	dir := t.TempDir()
	var key [codec.KeySize]byte
	ctx := context.Background()

	e, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	_, h := mkfile(t, e, meta.RootIno, "journal")
	content := bytes.Repeat([]byte("flushed and durable "), 8<<10)
	writeAll(t, e, h, 0, content)
	require.NoError(t, e.FlushHandle(ctx, h))
	require.NoError(t, e.ReleaseHandle(ctx, h.ID()))
	require.NoError(t, e.Close())

	e2, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	defer e2.Close()
	attr, err := e2.Lookup(ctx, meta.RootIno, "journal")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), attr.Size)

	h2, err := e2.OpenFile(ctx, attr.Ino, false)
	require.NoError(t, err)
	var got []byte
	for off := 0; off < len(content); off += 64 << 10 {
		got = append(got, readAll(t, e2, h2, int64(off), 64<<10)...)
	}
	assert.Equal(t, content, got)
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	dir := t.TempDir()
	var key [codec.KeySize]byte

	e, err := Open(Config{Dir: dir, Key: key, Logger: log})
	require.NoError(t, err)
	_, h := mkfile(t, e, meta.RootIno, "secret")
	ino := h.Ino()
	writeAll(t, e, h, 0, []byte("classified"))
	require.NoError(t, e.Close())

	var wrong [codec.KeySize]byte
	wrong[0] = 0xFF
	e2, err := Open(Config{Dir: dir, Key: wrong, Logger: log})
	require.NoError(t, err)
	defer e2.Close()

	h2, err := e2.OpenFile(context.Background(), ino, false)
	require.NoError(t, err)
	_, err = e2.Read(context.Background(), h2, 0, 64)
	require.Error(t, err)
	assert.Equal(t, fserr.KindAuthentication, fserr.KindOf(err))
}
