package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/mozilla-services/wimms/internal/wimms"
)

func TestAllocateUnknownService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Allocate(ctx, "sync-1.0")
	if !errors.Is(err, wimms.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestAllocateNoEligibleNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")

	// Throttled, downed, and full nodes are all filtered out.
	addTestNode(t, s, "sync-1.0", "https://throttled", 10, NodeOptions{Available: intPtr(0)})
	addTestNode(t, s, "sync-1.0", "https://downed", 10, NodeOptions{Downed: true})
	addTestNode(t, s, "sync-1.0", "https://full", 10, NodeOptions{CurrentLoad: 10})

	_, err := s.Allocate(ctx, "sync-1.0")
	if !errors.Is(err, wimms.ErrNoNodeAvailable) {
		t.Fatalf("expected ErrNoNodeAvailable, got %v", err)
	}
}

func TestAllocateSingleCandidateIsDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://only", 3, NodeOptions{})
	addTestNode(t, s, "sync-1.0", "https://down", 100, NodeOptions{Downed: true})

	for i := 0; i < 3; i++ {
		node, err := s.Allocate(ctx, "sync-1.0")
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if node != "https://only" {
			t.Fatalf("allocate %d picked %s, want the single candidate", i, node)
		}
	}
	_, err := s.Allocate(ctx, "sync-1.0")
	if !errors.Is(err, wimms.ErrNoNodeAvailable) {
		t.Fatalf("exhausted node should fail allocation, got %v", err)
	}
}

func TestAllocatePrefersLeastRelativeLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://busy", 10, NodeOptions{CurrentLoad: 9})
	addTestNode(t, s, "sync-1.0", "https://quiet", 10, NodeOptions{CurrentLoad: 1})

	node, err := s.Allocate(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if node != "https://quiet" {
		t.Fatalf("expected the 0.1-loaded node, got %s", node)
	}
}

func TestAllocatePrefersIdleNodeOverBigRemainder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")

	// The idle node wins even though the other has far more free
	// absolute capacity: relative load is what counts.
	addTestNode(t, s, "sync-1.0", "https://small-idle", 2, NodeOptions{})
	addTestNode(t, s, "sync-1.0", "https://huge", 1000, NodeOptions{CurrentLoad: 1})

	node, err := s.Allocate(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if node != "https://small-idle" {
		t.Fatalf("expected idle node, got %s", node)
	}
}

func TestAllocateBestNodeBeyondCandidateWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")

	// Fill a whole candidate window with heavily loaded nodes before
	// registering the idle one, so it sits past the window in insertion
	// order. The window must still surface the minimum-score node.
	for i := 0; i < defaultCandidateLimit; i++ {
		addTestNode(t, s, "sync-1.0", fmt.Sprintf("https://busy-%02d", i), 10, NodeOptions{CurrentLoad: 9})
	}
	addTestNode(t, s, "sync-1.0", "https://zz-idle", 10, NodeOptions{})

	node, err := s.Allocate(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if node != "https://zz-idle" {
		t.Fatalf("expected the idle node despite the window, got %s", node)
	}
}

func TestAllocateTieBreaksByAddress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://node-b", 10, NodeOptions{})
	addTestNode(t, s, "sync-1.0", "https://node-a", 10, NodeOptions{})

	node, err := s.Allocate(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if node != "https://node-a" {
		t.Fatalf("equal scores should break ties by address, got %s", node)
	}
}

func TestAllocateReservesSlotAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://phx12", 100, NodeOptions{Available: intPtr(50)})

	if _, err := s.Allocate(ctx, "sync-1.0"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	nodes, err := s.ListNodes(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	n := nodes[0]
	if n.Available != 49 || n.CurrentLoad != 1 {
		t.Fatalf("reservation must adjust both counters, got available=%d load=%d", n.Available, n.CurrentLoad)
	}
}

func TestAllocateNeverOversellsUnderContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://phx12", 3, NodeOptions{})
	addTestNode(t, s, "sync-1.0", "https://phx13", 3, NodeOptions{})

	const callers = 20
	const totalSlots = 6

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := map[string]int{}
	failures := 0
	var unexpected error

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node, err := s.Allocate(ctx, "sync-1.0")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, wimms.ErrNoNodeAvailable) && unexpected == nil {
					unexpected = fmt.Errorf("unexpected allocation error: %w", err)
				}
				failures++
				return
			}
			granted[node]++
		}()
	}
	wg.Wait()

	if unexpected != nil {
		t.Fatal(unexpected)
	}
	total := 0
	for _, n := range granted {
		total += n
	}
	if total != totalSlots {
		t.Fatalf("expected exactly %d grants, got %d", totalSlots, total)
	}
	if failures != callers-totalSlots {
		t.Fatalf("expected %d rejections, got %d", callers-totalSlots, failures)
	}

	nodes, err := s.ListNodes(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	for _, n := range nodes {
		if n.CurrentLoad < 0 || n.CurrentLoad > n.Capacity {
			t.Fatalf("capacity invariant violated on %s: load=%d capacity=%d", n.Node, n.CurrentLoad, n.Capacity)
		}
		if n.Available < 0 {
			t.Fatalf("available went negative on %s: %d", n.Node, n.Available)
		}
		if n.CurrentLoad != n.Capacity {
			t.Fatalf("expected %s fully loaded, got %d/%d", n.Node, n.CurrentLoad, n.Capacity)
		}
	}
}

func TestNodeScore(t *testing.T) {
	t.Parallel()

	if got := nodeScore(0, 100); !math.IsInf(got, -1) {
		t.Fatalf("idle node should score -Inf, got %f", got)
	}
	low := nodeScore(1, 10)
	high := nodeScore(9, 10)
	if low >= high {
		t.Fatalf("lower relative load should score lower: %f vs %f", low, high)
	}
	if got := nodeScore(10, 10); got != 0 {
		t.Fatalf("full node should score ln(1)=0, got %f", got)
	}
}
