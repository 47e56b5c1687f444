package band

import "sync"

// MDPool is the shared lba_map buffer pool: sized to at most "open bands
// concurrently" plus a small headroom (spec.md §5), rather than one
// allocation per band, since lba_map is only resident while a band is
// active or being relocated.
type MDPool struct {
	mu      sync.Mutex
	entries int
	free    [][]uint64
}

// NewMDPool creates a pool of capacity buffers, each sized for entries
// LBKs worth of lba_map.
func NewMDPool(entries, capacity int) *MDPool {
	p := &MDPool{entries: entries}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, make([]uint64, entries))
	}
	return p
}

func (p *MDPool) acquire() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf
	}
	return make([]uint64, p.entries)
}

func (p *MDPool) release(buf []uint64) {
	for i := range buf {
		buf[i] = 0
	}
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// Available reports how many buffers currently sit in the free list
// (exported for tests and statistics).
func (p *MDPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
