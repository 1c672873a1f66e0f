package team

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Rogers-F/bugloop/internal/domain"
)

func TestPool_AllocateUntilExhausted(t *testing.T) {
	p := NewPool(9, 3)

	for i := 0; i < 3; i++ {
		if !p.CanAllocate() {
			t.Fatalf("CanAllocate = false before allocation %d", i)
		}
		if err := p.Allocate(fmt.Sprintf("b%d", i)); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}

	if p.Free() != 0 {
		t.Errorf("Free = %d, want 0", p.Free())
	}
	if p.CanAllocate() {
		t.Error("CanAllocate = true with an empty pool")
	}

	err := p.Allocate("b3")
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestPool_DoubleAllocate(t *testing.T) {
	p := NewPool(9, 3)
	if err := p.Allocate("b1"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.Allocate("b1"); !errors.Is(err, domain.ErrAlreadyAllocated) {
		t.Errorf("expected ErrAlreadyAllocated, got %v", err)
	}
	if p.Free() != 6 {
		t.Errorf("Free = %d, want 6", p.Free())
	}
}

func TestPool_Release(t *testing.T) {
	p := NewPool(9, 3)
	p.Allocate("b1")
	p.Allocate("b2")

	if err := p.Release("b1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.Free() != 6 {
		t.Errorf("Free = %d, want 6", p.Free())
	}
	if got := p.Holders(); len(got) != 1 || got[0] != "b2" {
		t.Errorf("Holders = %v, want [b2]", got)
	}
	if err := p.Release("b1"); !errors.Is(err, domain.ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated on second release, got %v", err)
	}
}

func TestPool_MaxHolders(t *testing.T) {
	tests := []struct {
		capacity, block, want int
	}{
		{9, 3, 3},
		{10, 3, 3},
		{2, 3, 0},
		{12, 4, 3},
	}
	for _, tt := range tests {
		p := NewPool(tt.capacity, tt.block)
		if got := p.MaxHolders(); got != tt.want {
			t.Errorf("MaxHolders(%d/%d) = %d, want %d", tt.capacity, tt.block, got, tt.want)
		}
	}
}

func TestPool_ConcurrentAllocations(t *testing.T) {
	p := NewPool(9, 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := p.Allocate(fmt.Sprintf("b%d", i)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != 3 {
		t.Errorf("granted = %d, want 3", granted)
	}
	if err := p.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
}

func TestPool_CheckInvariantDetectsDrift(t *testing.T) {
	p := NewPool(9, 3)
	p.Allocate("b1")
	p.free = 9

	err := p.CheckInvariant()
	if !domain.IsCapacityViolation(err) {
		t.Errorf("expected capacity violation, got %v", err)
	}
}
