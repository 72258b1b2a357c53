// Package lifecycle orchestrates user placement: it composes the node
// allocator, the service registry and the user-record store into the
// create/get/update/retire/decommission operations, and enforces the
// cross-entity invariants between them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mozilla-services/wimms/internal/metrics"
	"github.com/mozilla-services/wimms/internal/wimms"
)

// NodeAllocator reserves one slot on a backend node for a service.
type NodeAllocator interface {
	Allocate(ctx context.Context, service string) (string, error)
}

// ServiceRegistry is the read-only service name -> pattern mapping.
type ServiceRegistry interface {
	Lookup(ctx context.Context, service string) (string, bool, error)
	Patterns(ctx context.Context) ([]wimms.ServicePattern, error)
}

// UserRecords is the multi-row user history store.
type UserRecords interface {
	FindActive(ctx context.Context, service, email string) (*wimms.UserRecord, error)
	LatestRecord(ctx context.Context, service, email string) (*wimms.UserRecord, error)
	Insert(ctx context.Context, rec wimms.UserRecord) (int64, error)
	CollapseHistory(ctx context.Context, service, email string, asOf, activeUID int64) error
	MarkReplacedByNode(ctx context.Context, service, node string, emails []string) (int64, error)
	Retire(ctx context.Context, service, email string) error
	Purge(ctx context.Context, service, email string) (int64, error)
	UpdateGeneration(ctx context.Context, service, email string, generation int64) error
	Records(ctx context.Context, service, email string) ([]wimms.UserRecord, error)
	OldRecords(ctx context.Context, service string, grace time.Duration, limit int) ([]wimms.UserRecord, error)
	DeleteRecord(ctx context.Context, service string, uid int64) error
}

// Backend is everything the manager needs from storage. Both
// store.Store and store.ShardedStore satisfy it.
type Backend interface {
	NodeAllocator
	ServiceRegistry
	UserRecords
}

type Manager struct {
	backend Backend
	metrics *metrics.Metrics
}

// New builds a manager. The metrics argument may be nil when no
// collector registry is wired in (library use, some tests).
func New(backend Backend, m *metrics.Metrics) *Manager {
	return &Manager{backend: backend, metrics: m}
}

type CreateOptions struct {
	Generation  int64
	ClientState string
}

// CreateUser allocates a node and writes the initial history row for
// the key. Capacity exhaustion surfaces as ErrNoNodeAvailable; it is
// not retried here.
func (m *Manager) CreateUser(ctx context.Context, service, email string, opts CreateOptions) (*wimms.User, error) {
	rec, err := m.createRecord(ctx, service, email, opts.Generation, opts.ClientState)
	if err != nil {
		return nil, err
	}
	return &wimms.User{
		Service:         service,
		Email:           email,
		UID:             rec.UID,
		Node:            rec.Node,
		Generation:      rec.Generation,
		ClientState:     rec.ClientState,
		OldClientStates: []string{},
	}, nil
}

func (m *Manager) createRecord(ctx context.Context, service, email string, generation int64, clientState string) (wimms.UserRecord, error) {
	node, err := m.backend.Allocate(ctx, service)
	if err != nil {
		m.countAllocationFailure(service, err)
		return wimms.UserRecord{}, err
	}
	if m.metrics != nil {
		m.metrics.Allocations.WithLabelValues(service).Inc()
	}
	rec := wimms.UserRecord{
		Service:     service,
		Email:       email,
		Node:        node,
		Generation:  generation,
		ClientState: clientState,
		CreatedAt:   wimms.Timestamp(),
	}
	uid, err := m.backend.Insert(ctx, rec)
	if err != nil {
		return wimms.UserRecord{}, err
	}
	rec.UID = uid
	return rec, nil
}

func (m *Manager) countAllocationFailure(service string, err error) {
	if m.metrics == nil {
		return
	}
	reason := metrics.ReasonBackend
	switch {
	case errors.Is(err, wimms.ErrUnknownService):
		reason = metrics.ReasonUnknownService
	case errors.Is(err, wimms.ErrNoNodeAvailable):
		reason = metrics.ReasonNoNodeAvailable
	}
	m.metrics.AllocationFailures.WithLabelValues(service, reason).Inc()
}

// GetUser looks up the user's current assignment. The branches form the
// documented state machine:
//   - no history: (nil, nil), creation is the caller's decision;
//   - retired: ErrUserRetired, terminal;
//   - newest row replaced but not retired: a reset or decommission left
//     the user without an open assignment, so a replacement is minted on
//     a freshly allocated node, carrying the generation and client state
//     forward;
//   - active: history is collapsed and the view assembled.
func (m *Manager) GetUser(ctx context.Context, service, email string) (*wimms.User, error) {
	latest, err := m.backend.LatestRecord(ctx, service, email)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if latest.Retired() {
		return nil, fmt.Errorf("%w: %s/%s", wimms.ErrUserRetired, service, email)
	}

	active := *latest
	if latest.ReplacedAt != nil {
		replacement, err := m.createRecord(ctx, service, email, latest.Generation, latest.ClientState)
		if err != nil {
			return nil, err
		}
		active = replacement
	}

	if err := m.backend.CollapseHistory(ctx, service, email, active.CreatedAt, active.UID); err != nil {
		return nil, err
	}
	return m.assembleUser(ctx, service, email, active)
}

func (m *Manager) assembleUser(ctx context.Context, service, email string, active wimms.UserRecord) (*wimms.User, error) {
	records, err := m.backend.Records(ctx, service, email)
	if err != nil {
		return nil, err
	}
	old := make([]string, 0, len(records))
	seen := map[string]struct{}{}
	for _, rec := range records {
		if rec.UID == active.UID || rec.ReplacedAt == nil {
			continue
		}
		// Rows from a retired chain never contribute key material to a
		// fresh chain started after the retirement.
		if rec.Retired() {
			continue
		}
		if rec.ClientState == active.ClientState {
			continue
		}
		if _, dup := seen[rec.ClientState]; dup {
			continue
		}
		seen[rec.ClientState] = struct{}{}
		old = append(old, rec.ClientState)
	}
	return &wimms.User{
		Service:         service,
		Email:           email,
		UID:             active.UID,
		Node:            active.Node,
		Generation:      active.Generation,
		ClientState:     active.ClientState,
		OldClientStates: old,
	}, nil
}

type UpdateOptions struct {
	Generation  *int64
	ClientState *string
}

// UpdateUser applies a generation bump and/or a client-state change to
// the assembled user, mutating it in place. A generation-only update
// edits the active row; a new client state appends a fresh row on the
// same node and collapses the history behind it. Previously seen client
// states are rejected with ErrStaleClientState.
func (m *Manager) UpdateUser(ctx context.Context, user *wimms.User, opts UpdateOptions) error {
	if user == nil {
		return errors.New("nil user")
	}
	if opts.ClientState == nil {
		if opts.Generation == nil {
			return nil
		}
		if err := m.backend.UpdateGeneration(ctx, user.Service, user.Email, *opts.Generation); err != nil {
			return err
		}
		if *opts.Generation > user.Generation {
			user.Generation = *opts.Generation
		}
		return nil
	}

	state := *opts.ClientState
	if state == user.ClientState {
		return fmt.Errorf("%w: %q", wimms.ErrStaleClientState, state)
	}
	for _, old := range user.OldClientStates {
		if state == old {
			return fmt.Errorf("%w: %q", wimms.ErrStaleClientState, state)
		}
	}

	generation := user.Generation
	if opts.Generation != nil && *opts.Generation > generation {
		generation = *opts.Generation
	}
	now := wimms.Timestamp()
	uid, err := m.backend.Insert(ctx, wimms.UserRecord{
		Service:     user.Service,
		Email:       user.Email,
		Node:        user.Node,
		Generation:  generation,
		ClientState: state,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	// If we crash before the collapse, the superseded rows stay open
	// until the next GetUser repairs them; the new row already wins
	// every newest-first read.
	if err := m.backend.CollapseHistory(ctx, user.Service, user.Email, now, uid); err != nil {
		return err
	}

	user.UID = uid
	user.Generation = generation
	user.OldClientStates = append(user.OldClientStates, user.ClientState)
	user.ClientState = state
	return nil
}

// DecommissionNode closes the active records on a node, optionally
// restricted to specific users. Reassignment is lazy: each affected
// user gets a fresh node on their next GetUser, which avoids a
// synchronous stampede on the allocator.
func (m *Manager) DecommissionNode(ctx context.Context, service, node string, emails []string) (int64, error) {
	replaced, err := m.backend.MarkReplacedByNode(ctx, service, node, emails)
	if err != nil {
		return 0, err
	}
	if m.metrics != nil && replaced > 0 {
		m.metrics.ReplacedRecords.WithLabelValues(service).Add(float64(replaced))
	}
	return replaced, nil
}

// RetireUser permanently blocks the key. Irreversible; a later
// CreateUser starts a fresh chain that can never resurrect the retired
// generation or client states, because retired rows keep the
// above-threshold generation until purged.
func (m *Manager) RetireUser(ctx context.Context, service, email string) error {
	return m.backend.Retire(ctx, service, email)
}

// PurgeRetiredUser deletes all history rows of an already-retired key.
func (m *Manager) PurgeRetiredUser(ctx context.Context, service, email string) (int64, error) {
	purged, err := m.backend.Purge(ctx, service, email)
	if err != nil {
		return 0, err
	}
	if m.metrics != nil && purged > 0 {
		m.metrics.PurgedRecords.WithLabelValues(service).Add(float64(purged))
	}
	return purged, nil
}

// CleanupOldRecords deletes up to limit rows replaced before now-grace.
// Returns how many rows were removed.
func (m *Manager) CleanupOldRecords(ctx context.Context, service string, grace time.Duration, limit int) (int, error) {
	old, err := m.backend.OldRecords(ctx, service, grace, limit)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range old {
		if err := m.backend.DeleteRecord(ctx, service, rec.UID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if m.metrics != nil && deleted > 0 {
		m.metrics.PurgedRecords.WithLabelValues(service).Add(float64(deleted))
	}
	return deleted, nil
}

// Pattern resolves the endpoint pattern for a service.
func (m *Manager) Pattern(ctx context.Context, service string) (string, error) {
	pattern, ok, err := m.backend.Lookup(ctx, service)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", wimms.ErrUnknownService, service)
	}
	return pattern, nil
}

// Patterns lists every registered service.
func (m *Manager) Patterns(ctx context.Context) ([]wimms.ServicePattern, error) {
	return m.backend.Patterns(ctx)
}
