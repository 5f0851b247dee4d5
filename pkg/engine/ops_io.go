package engine

import (
	"context"

	"github.com/sbstp/nightshift/pkg/codec"
	"github.com/sbstp/nightshift/pkg/fserr"
	"github.com/sbstp/nightshift/pkg/handle"
	"github.com/sbstp/nightshift/pkg/meta"
)

// settleList collects the digests pinned during one transaction so
// they can be settled after it commits or aborts.
type settleList []codec.Digest

// prefetchWindow bounds how far ahead of a sequential reader blocks
// are warmed into the cache.
const prefetchWindow = 4 << 20

// copyChunk is the step size of the byte-copy fallback in CopyRange.
const copyChunk = 1 << 20

// OpenFile opens a handle on an existing regular file. The handle
// records the requested access mode; writes on a read-only handle are
// rejected.
func (e *Engine) OpenFile(ctx context.Context, ino int64, writable bool) (*handle.Handle, error) {
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind == meta.KindDir {
			return fserr.E(fserr.KindIsADirectory, "open", "")
		}
		if attr.Kind != meta.KindFile {
			return fserr.E(fserr.KindInvalid, "open", "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.handles.Open(ino, writable), nil
}

// Handle resolves an open handle number.
func (e *Engine) Handle(id uint64) (*handle.Handle, error) {
	return e.handles.Get(id)
}

// Write stages data at off on the handle. Contiguous writes coalesce
// in the handle buffer; a seek or crossing the flush threshold pushes
// the buffer into storage. Returns the number of bytes accepted.
func (e *Engine) Write(ctx context.Context, h *handle.Handle, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, fserr.E(fserr.KindInvalid, "write", "")
	}
	if !h.Writable() {
		return 0, fserr.E(fserr.KindPermission, "write", "")
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := h.Write(off, data, e.flushThreshold, e.flushFunc(ctx)); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read returns up to size bytes at off. Bytes the same handle has
// buffered but not yet flushed are visible; reads at or past the
// effective end of file return a short or empty result. Holes read as
// zeroes.
func (e *Engine) Read(ctx context.Context, h *handle.Handle, off int64, size int) ([]byte, error) {
	if off < 0 {
		return nil, fserr.E(fserr.KindInvalid, "read", "")
	}
	if size <= 0 {
		return nil, nil
	}
	ino := h.Ino()
	dirtyOff, dirty, hasDirty := h.Dirty()

	var out []byte
	var warm []codec.Digest
	err := e.db.ReadTx(ctx, func(tx *meta.Tx) error {
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind != meta.KindFile {
			return fserr.E(fserr.KindIsADirectory, "read", "")
		}
		effSize := attr.Size
		if hasDirty && dirtyOff+int64(len(dirty)) > effSize {
			effSize = dirtyOff + int64(len(dirty))
		}
		if off >= effSize {
			return nil
		}
		end := off + int64(size)
		if end > effSize {
			end = effSize
		}
		out = make([]byte, end-off)

		segs, err := meta.SegmentsInRange(tx, ino, off, end)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			plain, err := e.blocks.Get(seg.Digest)
			if err != nil {
				return err
			}
			from := max64(off, seg.Off)
			to := min64(end, seg.End())
			copy(out[from-off:to-off], plain[from-seg.Off:to-seg.Off])
		}

		if h.NoteRead(off, int64(len(out))) {
			ahead, err := meta.SegmentsInRange(tx, ino, end, end+prefetchWindow)
			if err != nil {
				return err
			}
			for _, seg := range ahead {
				warm = append(warm, seg.Digest)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if hasDirty && out != nil {
		overlayDirty(out, off, dirty, dirtyOff)
	}
	if len(warm) > 0 {
		go e.warmBlocks(warm)
	}
	return out, nil
}

// overlayDirty copies the intersecting part of the handle buffer over
// the committed bytes.
func overlayDirty(out []byte, off int64, dirty []byte, dirtyOff int64) {
	end := off + int64(len(out))
	dirtyEnd := dirtyOff + int64(len(dirty))
	from := max64(off, dirtyOff)
	to := min64(end, dirtyEnd)
	if from >= to {
		return
	}
	copy(out[from-off:to-off], dirty[from-dirtyOff:to-dirtyOff])
}

// warmBlocks fetches blocks into the cache ahead of a sequential
// reader. Failures are deferred to the read that actually needs the
// block.
func (e *Engine) warmBlocks(digests []codec.Digest) {
	for _, digest := range digests {
		if _, err := e.blocks.Get(digest); err != nil {
			return
		}
	}
}

// FlushHandle pushes the handle's buffered writes into storage.
func (e *Engine) FlushHandle(ctx context.Context, h *handle.Handle) error {
	return h.Flush(e.flushFunc(ctx))
}

// Fsync persists the handle's buffered writes. The index runs in WAL
// mode with synchronous commits, so a flushed write is durable.
func (e *Engine) Fsync(ctx context.Context, h *handle.Handle) error {
	return e.FlushHandle(ctx, h)
}

// ReleaseHandle closes the handle, flushing any pending buffer first.
// A flush against an inode whose last link is already gone is
// discarded.
func (e *Engine) ReleaseHandle(ctx context.Context, id uint64) error {
	h := e.handles.Release(id)
	if h == nil {
		return nil
	}
	if err := h.Flush(e.flushFunc(ctx)); err != nil && !fserr.IsNotFound(err) {
		return err
	}
	return nil
}

// flushIno flushes every open handle on ino. Used before truncation so
// the size change applies to bytes the application already wrote.
func (e *Engine) flushIno(ctx context.Context, ino int64) error {
	for _, h := range e.handles.All() {
		if h.Ino() != ino {
			continue
		}
		if err := h.Flush(e.flushFunc(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushFunc(ctx context.Context) handle.FlushFunc {
	return func(ino, off int64, data []byte) error {
		return e.commitWrite(ctx, ino, off, data)
	}
}

// commitWrite persists one contiguous write. The touched region is
// extended to the boundaries of every overlapping segment and to the
// current end of file when writing past it, the region's current
// content is merged with the new bytes (holes zero-filled), and the
// merged region is re-chunked and committed together with the size
// update in one transaction.
func (e *Engine) commitWrite(ctx context.Context, ino, off int64, data []byte) error {
	var settle settleList
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		attr, err := meta.LookupInode(tx, ino)
		if err != nil {
			return err
		}
		if attr.Kind != meta.KindFile {
			return fserr.E(fserr.KindInvalid, "flush", "")
		}

		writeEnd := off + int64(len(data))
		regionStart := off
		if attr.Size < off {
			// Writing past EOF materializes the hole as zeroes.
			regionStart = attr.Size
		}
		overlapping, err := meta.SegmentsInRange(tx, ino, regionStart, writeEnd)
		if err != nil {
			return err
		}
		regionEnd := writeEnd
		if len(overlapping) > 0 {
			if first := overlapping[0].Off; first < regionStart {
				regionStart = first
			}
			if last := overlapping[len(overlapping)-1].End(); last > regionEnd {
				regionEnd = last
			}
		}

		merged := make([]byte, regionEnd-regionStart)
		for _, seg := range overlapping {
			plain, err := e.blocks.Get(seg.Digest)
			if err != nil {
				return err
			}
			copy(merged[seg.Off-regionStart:], plain)
		}
		copy(merged[off-regionStart:], data)

		chunks, err := e.chunks.Split(merged)
		if err != nil {
			return err
		}
		segs := make([]meta.Segment, 0, len(chunks))
		fresh := make(map[codec.Digest]int, len(chunks))
		cur := regionStart
		for _, chunk := range chunks {
			digest, err := e.blocks.Put(tx, chunk)
			if err != nil {
				return err
			}
			settle = append(settle, digest)
			fresh[digest]++
			segs = append(segs, meta.Segment{Off: cur, Len: int64(len(chunk)), Digest: digest})
			cur += int64(len(chunk))
		}

		if err := meta.SetSegments(tx, ino, regionStart, regionEnd, segs, fresh); err != nil {
			return err
		}
		if writeEnd > attr.Size {
			return meta.SetSize(tx, ino, writeEnd)
		}
		return meta.TouchMtime(tx, ino)
	})
	e.blocks.Settle(settle...)
	return err
}

// truncate adjusts the content of cur's inode to newSize inside an
// open write transaction. Shrinking releases the segments past the new
// end and rewrites a segment the boundary cuts through; growing leaves
// a tail hole that reads as zeroes. Returns pinned digests for the
// caller to settle after the transaction.
func (e *Engine) truncate(tx *meta.Tx, cur *meta.Attr, newSize int64) (settleList, error) {
	ino := cur.Ino
	switch {
	case newSize == cur.Size:
		return nil, nil
	case newSize > cur.Size || newSize == 0:
		if newSize == 0 {
			if err := meta.RemoveAllSegments(tx, ino); err != nil {
				return nil, err
			}
		}
		return nil, meta.SetSize(tx, ino, newSize)
	}

	doomed, err := meta.SegmentsInRange(tx, ino, newSize, cur.Size)
	if err != nil {
		return nil, err
	}
	if len(doomed) == 0 {
		return nil, meta.SetSize(tx, ino, newSize)
	}

	first := doomed[0]
	regionEnd := doomed[len(doomed)-1].End()
	if first.Off >= newSize {
		// The cut lands on a segment boundary; drop whole segments.
		if err := meta.SetSegments(tx, ino, first.Off, regionEnd, nil, nil); err != nil {
			return nil, err
		}
		return nil, meta.SetSize(tx, ino, newSize)
	}

	// The boundary cuts through a segment: keep its head as a new block.
	plain, err := e.blocks.Get(first.Digest)
	if err != nil {
		return nil, err
	}
	head := make([]byte, newSize-first.Off)
	copy(head, plain)
	digest, err := e.blocks.Put(tx, head)
	if err != nil {
		return nil, err
	}
	settle := settleList{digest}
	segs := []meta.Segment{{Off: first.Off, Len: int64(len(head)), Digest: digest}}
	err = meta.SetSegments(tx, ino, first.Off, regionEnd, segs, map[codec.Digest]int{digest: 1})
	if err != nil {
		return settle, err
	}
	return settle, meta.SetSize(tx, ino, newSize)
}

// CopyRange copies n bytes from srcOff on src to dstOff on dst without
// round-tripping the data through the caller. When both ranges align
// with stored segment boundaries the blocks are shared by reference;
// otherwise the bytes are copied through the normal write path.
func (e *Engine) CopyRange(ctx context.Context, src *handle.Handle, srcOff int64, dst *handle.Handle, dstOff, n int64) (int64, error) {
	if srcOff < 0 || dstOff < 0 || n < 0 {
		return 0, fserr.E(fserr.KindInvalid, "copy range", "")
	}
	if !dst.Writable() {
		return 0, fserr.E(fserr.KindPermission, "copy range", "")
	}
	if n == 0 {
		return 0, nil
	}
	if err := e.FlushHandle(ctx, src); err != nil {
		return 0, err
	}
	if err := e.FlushHandle(ctx, dst); err != nil {
		return 0, err
	}

	var copied int64
	var shared bool
	var settle settleList
	err := e.db.WriteTx(ctx, func(tx *meta.Tx) error {
		shared = false
		srcAttr, err := meta.LookupInode(tx, src.Ino())
		if err != nil {
			return err
		}
		if srcAttr.Kind != meta.KindFile {
			return fserr.E(fserr.KindInvalid, "copy range", "")
		}
		copied = n
		if srcOff >= srcAttr.Size {
			copied = 0
			return nil
		}
		if srcOff+copied > srcAttr.Size {
			copied = srcAttr.Size - srcOff
		}

		dstAttr, err := meta.LookupInode(tx, dst.Ino())
		if err != nil {
			return err
		}
		if dstAttr.Kind != meta.KindFile {
			return fserr.E(fserr.KindInvalid, "copy range", "")
		}

		if src.Ino() == dst.Ino() && rangesOverlap(srcOff, dstOff, copied) {
			return nil
		}

		srcSegs, err := meta.SegmentsInRange(tx, src.Ino(), srcOff, srcOff+copied)
		if err != nil {
			return err
		}
		if !coversExactly(srcSegs, srcOff, srcOff+copied) || dstOff > dstAttr.Size {
			return nil
		}
		dstSegs, err := meta.SegmentsInRange(tx, dst.Ino(), dstOff, dstOff+copied)
		if err != nil {
			return err
		}
		if !withinRange(dstSegs, dstOff, dstOff+copied) {
			return nil
		}

		segs := make([]meta.Segment, 0, len(srcSegs))
		fresh := make(map[codec.Digest]int, len(srcSegs))
		for _, seg := range srcSegs {
			if err := e.blocks.Retain(tx, seg.Digest, 1); err != nil {
				return err
			}
			settle = append(settle, seg.Digest)
			fresh[seg.Digest]++
			segs = append(segs, meta.Segment{
				Off:    dstOff + (seg.Off - srcOff),
				Len:    seg.Len,
				Digest: seg.Digest,
			})
		}
		if err := meta.SetSegments(tx, dst.Ino(), dstOff, dstOff+copied, segs, fresh); err != nil {
			return err
		}
		shared = true
		if dstOff+copied > dstAttr.Size {
			return meta.SetSize(tx, dst.Ino(), dstOff+copied)
		}
		return meta.TouchMtime(tx, dst.Ino())
	})
	e.blocks.Settle(settle...)
	if err != nil {
		return 0, err
	}
	if copied == 0 || shared {
		return copied, nil
	}
	return e.copyByRead(ctx, src, srcOff, dst, dstOff, copied)
}

// copyByRead is the unaligned fallback: read from the source, write
// through the destination's flush path.
func (e *Engine) copyByRead(ctx context.Context, src *handle.Handle, srcOff int64, dst *handle.Handle, dstOff, n int64) (int64, error) {
	var done int64
	for done < n {
		step := min64(copyChunk, n-done)
		buf, err := e.Read(ctx, src, srcOff+done, int(step))
		if err != nil {
			return done, err
		}
		if len(buf) == 0 {
			break
		}
		if err := e.commitWrite(ctx, dst.Ino(), dstOff+done, buf); err != nil {
			return done, err
		}
		done += int64(len(buf))
	}
	return done, nil
}

// coversExactly reports whether segs tile [start, end) with no gaps
// and boundaries exactly on start and end.
func coversExactly(segs []meta.Segment, start, end int64) bool {
	if len(segs) == 0 {
		return false
	}
	if segs[0].Off != start {
		return false
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].Off != segs[i-1].End() {
			return false
		}
	}
	return segs[len(segs)-1].End() == end
}

// withinRange reports whether every segment lies entirely inside
// [start, end).
func withinRange(segs []meta.Segment, start, end int64) bool {
	for _, seg := range segs {
		if seg.Off < start || seg.End() > end {
			return false
		}
	}
	return true
}

func rangesOverlap(a, b, n int64) bool {
	return a < b+n && b < a+n
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
