// Package replay provides a byte source that can always be rewound to its
// start, so a stage can peek at or fully drain a single-use body stream and
// still hand the untouched body to the next stage.
package replay

import "io"

// maxConsecutiveEmptyReads bounds ReadByte against sources that keep
// returning (0, nil).
const maxConsecutiveEmptyReads = 100

// Replayable is the capability a rewindable body stream provides.
type Replayable interface {
	io.Reader
	// Reset rewinds to the first byte of the stream.
	Reset() error
	// MarkSupported reports whether Reset is available.
	MarkSupported() bool
}

// Reader wraps a stream and retains every byte read from it. The replay
// window starts at construction and has no upper bound, so Reset is valid
// after any amount of consumption, including a full drain.
//
// A Reader is not safe for concurrent readers. Reset and Close are idempotent.
type Reader struct {
	src io.Reader
	buf []byte
	pos int
	err error // sticky error from src, io.EOF included
}

var _ Replayable = (*Reader)(nil)

// NewReader returns a Reader over src. A nil src behaves as an empty stream.
func NewReader(src io.Reader) *Reader {
	r := &Reader{src: src}
	if src == nil {
		r.err = io.EOF
	}
	return r
}

// Read serves retained bytes first and then continues from the source.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos < len(r.buf) {
		n := copy(p, r.buf[r.pos:])
		r.pos += n
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.buf = append(r.buf, p[:n]...)
		r.pos += n
	}
	if err != nil {
		r.err = err
	}
	return n, err
}

// ReadByte reads a single byte. It returns io.EOF when the stream is empty
// at the current position.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	for i := 0; i < maxConsecutiveEmptyReads; i++ {
		n, err := r.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, io.ErrNoProgress
}

// Mark is a no-op: the whole stream is replayable from construction and the
// window is never moved or narrowed.
func (r *Reader) Mark(readLimit int) {}

// MarkSupported always reports true.
func (r *Reader) MarkSupported() bool { return true }

// Reset rewinds to the start of the stream.
func (r *Reader) Reset() error {
	r.pos = 0
	return nil
}

// Close rewinds instead of releasing the source. The caller that handed in
// the source keeps ownership of it.
func (r *Reader) Close() error {
	return r.Reset()
}

// Skip never moves the position and always reports zero bytes skipped.
func (r *Reader) Skip(n int64) (int64, error) {
	return 0, nil
}

// Buffered returns how many bytes have been retained from the source.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
