package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mozilla-services/wimms/internal/wimms"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", StoreOptions{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func addTestService(t *testing.T, s *Store, service string) {
	t.Helper()
	if err := s.AddService(context.Background(), service, "{node}/{service}/{uid}"); err != nil {
		t.Fatalf("add service %s: %v", service, err)
	}
}

func addTestNode(t *testing.T, s *Store, service, node string, capacity int, opts NodeOptions) {
	t.Helper()
	if err := s.AddNode(context.Background(), service, node, capacity, opts); err != nil {
		t.Fatalf("add node %s: %v", node, err)
	}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestAddServiceValidatesName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for _, bad := range []string{"", "sync", "-1.0", "sync-"} {
		if err := s.AddService(ctx, bad, "{node}/{uid}"); err == nil {
			t.Fatalf("expected rejection of service name %q", bad)
		}
	}
	if err := s.AddService(ctx, "sync-1.0", ""); err == nil {
		t.Fatal("expected rejection of empty pattern")
	}
	if err := s.AddService(ctx, "sync-1.0", "{node}/1.0/{uid}"); err != nil {
		t.Fatalf("valid service should be accepted: %v", err)
	}
}

func TestLookupReflectsRegistrations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.Lookup(ctx, "sync-1.0"); err != nil || ok {
		t.Fatalf("unknown service should miss, ok=%v err=%v", ok, err)
	}
	addTestService(t, s, "sync-1.0")
	pattern, ok, err := s.Lookup(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || pattern != "{node}/{service}/{uid}" {
		t.Fatalf("expected registered pattern, got ok=%v pattern=%q", ok, pattern)
	}
	// Second call is served from the cache and must agree.
	cached, ok, err := s.Lookup(ctx, "sync-1.0")
	if err != nil || !ok || cached != pattern {
		t.Fatalf("cached lookup mismatch: ok=%v pattern=%q err=%v", ok, cached, err)
	}
}

func TestPatternsListsAllServices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	addTestService(t, s, "sync-1.0")
	addTestService(t, s, "sync-1.5")
	addTestService(t, s, "queuey-1.0")

	patterns, err := s.Patterns(ctx)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	if len(patterns) != 3 {
		t.Fatalf("expected 3 patterns, got %d", len(patterns))
	}
	if patterns[0].Service != "queuey-1.0" {
		t.Fatalf("patterns should be ordered by service, got %s first", patterns[0].Service)
	}
}

func TestAddNodeRequiresKnownService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	err := s.AddNode(ctx, "sync-1.0", "https://phx12", 100, NodeOptions{})
	if !errors.Is(err, wimms.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestAddNodeDefaultsAvailableToCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://phx12", 100, NodeOptions{})

	nodes, err := s.ListNodes(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	n := nodes[0]
	if n.Available != 100 || n.Capacity != 100 || n.CurrentLoad != 0 || n.Downed || n.Backoff {
		t.Fatalf("unexpected node state: %#v", n)
	}
}

func TestUpdateNodeWriteableFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://phx12", 100, NodeOptions{})

	if err := s.UpdateNode(ctx, "sync-1.0", "https://phx12", NodeFields{}); err == nil {
		t.Fatal("update with no fields should fail")
	}
	err := s.UpdateNode(ctx, "sync-1.0", "https://phx12", NodeFields{
		Available: intPtr(10),
		Downed:    boolPtr(true),
		Backoff:   boolPtr(true),
	})
	if err != nil {
		t.Fatalf("update node: %v", err)
	}

	nodes, err := s.ListNodes(ctx, "sync-1.0")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	n := nodes[0]
	if n.Available != 10 || !n.Downed || !n.Backoff {
		t.Fatalf("update not applied: %#v", n)
	}

	err = s.UpdateNode(ctx, "sync-1.0", "https://missing", NodeFields{Available: intPtr(1)})
	if err == nil {
		t.Fatal("update of missing node should fail")
	}
}

func TestOpenUpgradesLegacyNodeTable(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw sqlite: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL,
		node TEXT NOT NULL,
		available INTEGER NOT NULL DEFAULT 0,
		current_load INTEGER NOT NULL DEFAULT 0,
		capacity INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw sqlite: %v", err)
	}

	s, err := Open(dbPath, StoreOptions{})
	if err != nil {
		t.Fatalf("open store over legacy schema: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	ctx := context.Background()
	addTestService(t, s, "sync-1.0")
	addTestNode(t, s, "sync-1.0", "https://phx12", 5, NodeOptions{})
	if err := s.UpdateNode(ctx, "sync-1.0", "https://phx12", NodeFields{Downed: boolPtr(true)}); err != nil {
		t.Fatalf("downed column should exist after upgrade: %v", err)
	}
	if err := s.UpdateNode(ctx, "sync-1.0", "https://phx12", NodeFields{Backoff: boolPtr(true)}); err != nil {
		t.Fatalf("backoff column should exist after upgrade: %v", err)
	}
}
