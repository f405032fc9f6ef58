package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// defaultBufferSize is the per-buffer payload size used by Tee, matching
// the 512-byte design suggestion in the spec.
const defaultBufferSize = 512

// buffer is one fixed-size, reference-counted slot in a Tee's pool. It is
// returned to the pool automatically once every holder has released it.
type buffer struct {
	data []byte
	n    int
	refs atomic.Int32
}

// Tee fans one producer's byte stream out to N independent reader streams.
// Every byte written by the producer is observed exactly once, in order, by
// each reader; readers make no ordering guarantee relative to each other.
//
// The free-buffer pool is bounded at B = N+1 buffers, enforced
// with a weighted semaphore: the producer cannot acquire a new buffer until
// at least one previously fanned-out buffer has been fully released by
// every reader holding it, which is the mechanism that provides backpressure
// on the slowest consumer.
type Tee struct {
	sem     *semaphore.Weighted
	readers []*TeeReader
	size    int
}

// NewTee constructs a Tee with n downstream readers. bufSize, if <= 0,
// defaults to 512 bytes. The free pool holds n+1 buffers.
func NewTee(n int, bufSize int) *Tee {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	t := &Tee{
		sem:     semaphore.NewWeighted(int64(n + 1)),
		readers: make([]*TeeReader, n),
		size:    bufSize,
	}
	for i := range t.readers {
		t.readers[i] = newTeeReader(t.sem)
	}
	return t
}

// Readers returns the Tee's N independent downstream readers.
func (t *Tee) Readers() []*TeeReader {
	return t.readers
}

// Run reads from src until EOF or error, fanning every chunk out to all
// still-open readers. It returns once src is exhausted (or errors) and
// every reader has been notified, or as soon as every reader has been
// closed. Run must be called at most once.
func (t *Tee) Run(src io.Reader) {
	ctx := context.Background()

	for {
		if t.allClosed() {
			return
		}

		if err := t.sem.Acquire(ctx, 1); err != nil {
			// Context is never cancelled here; Acquire cannot fail.
			return
		}

		buf := &buffer{data: make([]byte, t.size)}
		n, err := src.Read(buf.data)
		buf.n = n

		if n > 0 {
			t.fanOut(buf)
		} else {
			// Nothing was read: release the buffer we reserved but never used.
			t.sem.Release(1)
		}

		if err != nil {
			if err == io.EOF {
				t.closeAll(nil)
			} else {
				t.closeAll(err)
			}
			return
		}
	}
}

// fanOut offers buf (holding n>0 bytes) to every open reader, then releases
// the producer's own hold on it.
func (t *Tee) fanOut(buf *buffer) {
	buf.refs.Store(1) // producer hold

	for _, r := range t.readers {
		// Take the reader's reference before offering, so the reader can
		// never drop the count to zero while the producer still holds buf.
		buf.refs.Add(1)
		if !r.offer(buf) {
			buf.refs.Add(-1)
		}
	}

	t.release(buf)
}

// release drops one reference on buf, returning it to the free pool once
// the last holder releases it.
func (t *Tee) release(buf *buffer) {
	if buf.refs.Add(-1) == 0 {
		t.sem.Release(1)
	}
}

// allClosed reports whether every reader has been closed, in which case
// there is no remaining consumer for the producer to serve.
func (t *Tee) allClosed() bool {
	for _, r := range t.readers {
		if !r.isClosed() {
			return false
		}
	}
	return len(t.readers) > 0
}

func (t *Tee) closeAll(err error) {
	for _, r := range t.readers {
		r.closeWith(err)
	}
}

// TeeReader is one of a Tee's N independent downstream streams.
type TeeReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	sem    *semaphore.Weighted
	queue  []*buffer
	cur    *buffer
	curOff int
	eof    bool
	err    error
	closed bool
}

func newTeeReader(sem *semaphore.Weighted) *TeeReader {
	r := &TeeReader{sem: sem}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// offer hands buf to the reader unless it has been closed. Returns true iff
// the reader accepted buf; the caller takes the reader's reference before
// offering and gives it back when offer returns false.
func (r *TeeReader) offer(buf *buffer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	r.queue = append(r.queue, buf)
	r.cond.Signal()
	return true
}

func (r *TeeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *TeeReader) closeWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.eof = true
	r.err = err
	r.cond.Broadcast()
}

// Read implements io.Reader. It returns io.EOF once the producer has
// signaled end-of-stream and the reader's queue is drained, or the
// producer's I/O error if one occurred.
func (r *TeeReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return 0, io.ErrClosedPipe
		}

		if r.cur != nil && r.curOff < r.cur.n {
			break
		}

		if r.cur != nil {
			// Fully consumed; release and move on.
			cur := r.cur
			r.cur = nil
			r.mu.Unlock()
			r.releaseBuf(cur)
			r.mu.Lock()
			continue
		}

		if len(r.queue) > 0 {
			r.cur = r.queue[0]
			r.queue = r.queue[1:]
			r.curOff = 0
			continue
		}

		if r.eof {
			err := r.err
			r.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}

		r.cond.Wait()
	}

	n := copy(p, r.cur.data[r.curOff:r.cur.n])
	r.curOff += n
	r.mu.Unlock()
	return n, nil
}

// releaseBuf decrements buf's refcount, returning the buffer's semaphore
// slot to the free pool once the last holder has released it.
func (r *TeeReader) releaseBuf(buf *buffer) {
	if buf.refs.Add(-1) == 0 {
		r.sem.Release(1)
	}
}

// Close releases any buffer this reader currently holds and marks it closed
// so further offers from the producer are ignored. Close is idempotent.
func (r *TeeReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cur := r.cur
	r.cur = nil
	pending := r.queue
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()

	if cur != nil {
		r.releaseBuf(cur)
	}
	for _, buf := range pending {
		r.releaseBuf(buf)
	}
	return nil
}
