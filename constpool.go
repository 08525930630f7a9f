package asmkit

// ConstPool accumulates constant data deduplicated by content. Constants
// keep the offset of their first insertion; the pool's alignment is the
// largest alignment any constant required. Pools are embedded into the code
// through Emitter.EmbedConstPool.
type ConstPool struct {
	entries []constEntry
	offsets map[string]int
	size    int
	align   int
}

type constEntry struct {
	data   []byte
	offset int
}

// NewConstPool returns an empty pool.
func NewConstPool() *ConstPool {
	return &ConstPool{offsets: map[string]int{}, align: 1}
}

// Add places data into the pool and returns its offset. Identical byte
// sequences share a single slot. The constant is aligned to the smallest
// power of two that fits its size, capped at 16.
func (p *ConstPool) Add(data []byte) int {
	if off, ok := p.offsets[string(data)]; ok {
		return off
	}
	align := constAlignment(len(data))
	if align > p.align {
		p.align = align
	}
	off := alignUp(p.size, align)
	p.entries = append(p.entries, constEntry{data: data, offset: off})
	p.offsets[string(data)] = off
	p.size = off + len(data)
	return off
}

// Size returns the number of bytes Fill produces.
func (p *ConstPool) Size() int { return p.size }

// Alignment returns the alignment the embedded pool requires.
func (p *ConstPool) Alignment() int { return p.align }

// Empty reports whether the pool holds no constants.
func (p *ConstPool) Empty() bool { return len(p.entries) == 0 }

// Fill writes the pooled constants into dst at their assigned offsets; gaps
// are zeroed. dst must be at least Size() bytes.
func (p *ConstPool) Fill(dst []byte) {
	for i := 0; i < p.size; i++ {
		dst[i] = 0
	}
	for _, e := range p.entries {
		copy(dst[e.offset:], e.data)
	}
}

func constAlignment(size int) int {
	align := 1
	for align < size && align < 16 {
		align *= 2
	}
	return align
}
