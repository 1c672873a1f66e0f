// Package team manages the fixed pool of agent slots shared by live bugs.
package team

import (
	"sort"
	"sync"

	"github.com/Rogers-F/bugloop/internal/domain"
)

// Pool hands out fixed-size blocks of agent slots, one block per live bug.
// All methods are safe for concurrent use; the scheduler is the only caller
// of Allocate and Release.
type Pool struct {
	mu       sync.Mutex
	capacity int
	block    int
	free     int
	holders  map[string]int
}

// NewPool creates a pool of capacity slots granted in blocks of block slots.
func NewPool(capacity, block int) *Pool {
	if block <= 0 {
		block = domain.DefaultAgentsPerBug
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		capacity: capacity,
		block:    block,
		free:     capacity,
		holders:  make(map[string]int),
	}
}

// CanAllocate reports whether at least one full block is free.
func (p *Pool) CanAllocate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free >= p.block
}

// Allocate reserves one block for bugID.
func (p *Pool) Allocate(bugID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.holders[bugID]; ok {
		return domain.Errorf(domain.ErrAlreadyAllocated, "bug %s", bugID)
	}
	if p.free < p.block {
		return domain.Errorf(domain.ErrResourceExhausted, "free=%d block=%d", p.free, p.block)
	}
	p.free -= p.block
	p.holders[bugID] = p.block
	return nil
}

// Release returns bugID's block to the pool.
func (p *Pool) Release(bugID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.holders[bugID]
	if !ok {
		return domain.Errorf(domain.ErrNotAllocated, "bug %s", bugID)
	}
	delete(p.holders, bugID)
	p.free += n
	return p.checkLocked()
}

// Free returns the number of unreserved slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Capacity returns the pool size.
func (p *Pool) Capacity() int { return p.capacity }

// BlockSize returns the number of slots granted per bug.
func (p *Pool) BlockSize() int { return p.block }

// MaxHolders is the most bugs the pool can serve at once.
func (p *Pool) MaxHolders() int { return p.capacity / p.block }

// Holders returns the ids currently holding a block, sorted.
func (p *Pool) Holders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.holders))
	for id := range p.holders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckInvariant verifies 0 <= free <= capacity and that the reserved
// blocks account for every missing slot.
func (p *Pool) CheckInvariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked()
}

func (p *Pool) checkLocked() error {
	if p.free < 0 || p.free > p.capacity {
		return domain.Errorf(domain.ErrCapacityViolation, "free=%d capacity=%d", p.free, p.capacity)
	}
	held := 0
	for _, n := range p.holders {
		held += n
	}
	if held+p.free != p.capacity {
		return domain.Errorf(domain.ErrCapacityViolation,
			"held=%d free=%d capacity=%d", held, p.free, p.capacity)
	}
	return nil
}
