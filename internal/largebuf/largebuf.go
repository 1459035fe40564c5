package largebuf

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// Pool lends contiguous byte buffers to connections whose data doesn't fit into their
// memory pools. The sum of lent sizes never exceeds the total limit, and no single buffer
// may be larger than the per-request limit. Pool is safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	used       int
	total      int
	perRequest int
	buffers    bytebufferpool.Pool
}

func New(total, perRequest int) *Pool {
	return &Pool{
		total:      total,
		perRequest: min(perRequest, total),
	}
}

// Acquire reserves a buffer of the given size.
func (p *Pool) Acquire(size int) (*Buffer, bool) {
	if size > p.perRequest || !p.reserve(size) {
		return nil, false
	}

	bb := p.buffers.Get()
	bb.B = grow(bb.B[:0], size)

	return &Buffer{pool: p, bb: bb, size: size}, true
}

// Used returns the sum of sizes of all the currently lent buffers.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.used
}

func (p *Pool) reserve(delta int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if delta < 0 || p.used+delta > p.total {
		return false
	}

	p.used += delta
	return true
}

func (p *Pool) unreserve(delta int) {
	p.mu.Lock()
	p.used -= delta
	p.mu.Unlock()
}

// Buffer is a lent buffer. Its content is preserved across growths.
type Buffer struct {
	pool *Pool
	bb   *bytebufferpool.ByteBuffer
	size int
}

// Grow extends the buffer by delta bytes. It fails if the per-request or the pool-wide
// limit would be exceeded, leaving the buffer intact.
func (b *Buffer) Grow(delta int) bool {
	if delta < 0 || b.size+delta > b.pool.perRequest {
		return false
	}

	if !b.pool.reserve(delta) {
		return false
	}

	b.size += delta
	b.bb.B = grow(b.bb.B, b.size)

	return true
}

// Bytes returns the whole buffer. The returned slice is invalidated by Grow and Release.
func (b *Buffer) Bytes() []byte {
	return b.bb.B[:b.size]
}

func (b *Buffer) Len() int {
	return b.size
}

// Release returns the buffer to the pool. The buffer must not be used afterward.
func (b *Buffer) Release() {
	if b.bb == nil {
		return
	}

	b.pool.unreserve(b.size)
	b.pool.buffers.Put(b.bb)
	b.bb, b.size = nil, 0
}

// grow extends the length of buf up to size, keeping its content.
func grow(buf []byte, size int) []byte {
	if size <= cap(buf) {
		return buf[:size]
	}

	newBuf := make([]byte, size, max(size, 2*cap(buf)))
	copy(newBuf, buf)

	return newBuf
}
