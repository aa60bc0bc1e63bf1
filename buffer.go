package haywire

import (
	"sync"

	"github.com/cockroachdb/errors"
)

const defaultBufferCap = 4 * 1024

// Buffer is an owned byte buffer for outgoing data. It has exactly one owner at a time: handing it to
// [WriteContext.WriteBuffer] moves ownership to the write pipeline, which releases it once the write completed.
// Any use after release panics with [ErrBufferReleased].
type Buffer struct {
	buf      []byte
	limit    int
	pool     *bufferPool
	released bool
}

// Write appends p to the buffer. It fails with [ErrOutOfMemory] if the buffer would grow past its limit, in which
// case nothing is written.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mustOwn()
	if b.limit >= 0 && len(b.buf)+len(p) > b.limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "buffer limit of %d bytes", b.limit)
	}

	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteString appends s to the buffer under the same rules as [Buffer.Write].
func (b *Buffer) WriteString(s string) (int, error) {
	b.mustOwn()
	if b.limit >= 0 && len(b.buf)+len(s) > b.limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "buffer limit of %d bytes", b.limit)
	}

	b.buf = append(b.buf, s...)
	return len(s), nil
}

// Bytes returns the buffered bytes. The slice is only valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	b.mustOwn()
	return b.buf
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mustOwn()
	return len(b.buf)
}

// Reset empties the buffer while keeping its capacity.
func (b *Buffer) Reset() {
	b.mustOwn()
	b.buf = b.buf[:0]
}

// Release returns the buffer's memory. It reports whether this call released the buffer; every call after the
// first is a no-op that returns false.
func (b *Buffer) Release() bool {
	if b.released {
		return false
	}

	b.released = true
	if b.pool != nil {
		b.pool.put(b.buf)
	}
	b.buf = nil

	return true
}

// Released reports whether the buffer was released.
func (b *Buffer) Released() bool { return b.released }

func (b *Buffer) mustOwn() {
	if b.released {
		panic(ErrBufferReleased)
	}
}

// bufferPool recycles the memory behind buffers. Buffer values themselves are never recycled so that a stale
// reference can never observe another owner's bytes.
type bufferPool struct {
	limit int
	stats *Stats
	pool  sync.Pool
}

func newBufferPool(limit int, stats *Stats) *bufferPool {
	return &bufferPool{
		limit: limit,
		stats: stats,
		pool: sync.Pool{New: func() any {
			b := make([]byte, 0, defaultBufferCap)
			return &b
		}},
	}
}

// acquire returns an empty buffer that can hold at least n bytes.
func (p *bufferPool) acquire(n int) (*Buffer, error) {
	if p.limit >= 0 && n > p.limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "%d bytes requested, limit is %d", n, p.limit)
	}

	bp, _ := p.pool.Get().(*[]byte)
	buf := (*bp)[:0]
	if cap(buf) < n {
		buf = make([]byte, 0, n)
	}

	p.stats.buffersAcquired.Add(1)

	return &Buffer{buf: buf, limit: p.limit, pool: p}, nil
}

// copyOf acquires a buffer holding a copy of data.
func (p *bufferPool) copyOf(data []byte) (*Buffer, error) {
	b, err := p.acquire(len(data))
	if err != nil {
		return nil, err
	}

	b.buf = append(b.buf, data...)
	return b, nil
}

func (p *bufferPool) put(buf []byte) {
	p.stats.buffersReleased.Add(1)

	if cap(buf) > 64*defaultBufferCap {
		return // let oversized buffers go
	}

	buf = buf[:0]
	p.pool.Put(&buf)
}
