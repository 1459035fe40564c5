package mempool

import "github.com/indigo-web/utils/uf"

// Slot references a block of the pool by its offset and length. Slots stay valid when the
// underlying memory is moved, as long as the block itself isn't reclaimed.
type Slot struct {
	Off, Len int
}

// End returns the offset right after the block.
func (s Slot) End() int {
	return s.Off + s.Len
}

// Pool is a per-connection bump allocator over a single fixed-size region. Regular blocks
// are allocated from the front. The tail of the region is reserved for short-lived blocks
// growing towards the front (the read buffer), so both kinds never overlap.
//
// On top of that, Pool is a segment builder: bytes are appended into the front one by one
// and the block is completed by Finish. No allocation must happen while a segment is open.
type Pool struct {
	memory []byte
	// front is the first free byte after the front blocks
	front int
	// back is the first byte of the back blocks
	back int
	// ro is the watermark below which nothing is ever reclaimed by Reset
	ro       int
	segBegin int
	// last is the most recently allocated front block
	last Slot
}

func New(size int) *Pool {
	return &Pool{
		memory: make([]byte, size),
		back:   size,
	}
}

// Size returns the total capacity of the pool.
func (p *Pool) Size() int {
	return len(p.memory)
}

// Free returns the amount of bytes available for new allocations.
func (p *Pool) Free() int {
	return p.back - p.front
}

// Allocate reserves a block at the front.
func (p *Pool) Allocate(size int) (Slot, bool) {
	if size < 0 || size > p.Free() {
		return Slot{}, false
	}

	slot := Slot{Off: p.front, Len: size}
	p.front += size
	p.segBegin = p.front
	p.last = slot

	return slot, true
}

// AllocateBack reserves a block at the tail of the pool. Back blocks are stacked towards
// the front.
func (p *Pool) AllocateBack(size int) (Slot, bool) {
	if size < 0 || size > p.Free() {
		return Slot{}, false
	}

	p.back -= size
	return Slot{Off: p.back, Len: size}, true
}

// Reallocate resizes either the most recently allocated front block (in place) or the
// innermost back block. The latter moves: the content is copied to the new offset, so the
// returned slot must be used from now on. Any other block cannot be resized.
func (p *Pool) Reallocate(slot Slot, size int) (Slot, bool) {
	if size < 0 {
		return slot, false
	}

	switch {
	case slot == p.last && slot.End() == p.front:
		if slot.Off+size > p.back {
			return slot, false
		}

		p.front = slot.Off + size
		p.segBegin = p.front
		p.last.Len = size

		return p.last, true
	case slot.Off == p.back:
		newOff := slot.End() - size
		if newOff < p.front {
			return slot, false
		}

		copy(p.memory[newOff:], p.memory[slot.Off:slot.Off+min(slot.Len, size)])
		p.back = newOff

		return Slot{Off: newOff, Len: size}, true
	default:
		return slot, false
	}
}

// FreeBack releases the innermost back block.
func (p *Pool) FreeBack(slot Slot) {
	if slot.Off == p.back {
		p.back = slot.End()
	}
}

// Append writes data into the current segment. If the data doesn't fit, nothing is written
// and false is returned.
func (p *Pool) Append(data []byte) (ok bool) {
	if len(data) > p.Free() {
		return false
	}

	p.front += copy(p.memory[p.front:], data)
	return true
}

// AppendByte writes a single byte into the current segment.
func (p *Pool) AppendByte(c byte) (ok bool) {
	if p.front == p.back {
		return false
	}

	p.memory[p.front] = c
	p.front++
	return true
}

// SegmentLength returns the number of bytes in the current segment.
func (p *Pool) SegmentLength() int {
	return p.front - p.segBegin
}

// Preview returns the current segment without completing it.
func (p *Pool) Preview() []byte {
	return p.memory[p.segBegin:p.front]
}

// Trunc truncates the last n bytes of the current segment, never touching previous ones.
func (p *Pool) Trunc(n int) {
	p.front -= min(n, p.SegmentLength())
}

// Discard drops the current segment.
func (p *Pool) Discard() {
	p.front = p.segBegin
}

// Finish completes the current segment.
func (p *Pool) Finish() Slot {
	slot := Slot{Off: p.segBegin, Len: p.front - p.segBegin}
	p.segBegin = p.front
	p.last = slot

	return slot
}

// MarkRO protects the block, and everything allocated before it, from being reclaimed
// by Reset.
func (p *Pool) MarkRO(slot Slot) {
	p.ro = max(p.ro, slot.End())
}

// Reset reclaims all the front blocks except the read-only ones. Back blocks are kept.
func (p *Pool) Reset() {
	p.front = p.ro
	p.segBegin = p.front
	p.last = Slot{}
}

// Clear reclaims everything, including read-only and back blocks.
func (p *Pool) Clear() {
	p.front, p.ro, p.segBegin = 0, 0, 0
	p.back = len(p.memory)
	p.last = Slot{}
}

// Bytes returns the memory of the block. The slice is capped, so appending to it never
// overwrites neighbour blocks.
func (p *Pool) Bytes(slot Slot) []byte {
	return p.memory[slot.Off:slot.End():slot.End()]
}

// String returns the block as a string. It shares memory with the pool, therefore is valid
// only until the block is reclaimed.
func (p *Pool) String(slot Slot) string {
	return uf.B2S(p.Bytes(slot))
}

// Tail returns all the free memory between the front and back blocks. It's useful to write
// into it directly and then take the written part via Allocate.
func (p *Pool) Tail() []byte {
	return p.memory[p.front:p.back]
}
