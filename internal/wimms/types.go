// Package wimms holds the domain types shared by the node-assignment
// store, the lifecycle manager and the control-plane daemon.
package wimms

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxGeneration is the retirement threshold: any record whose generation
// is at or above this value is permanently retired. Retirement writes
// MaxGeneration+1 so retired rows compare strictly greater than any
// generation a live client can present.
const MaxGeneration int64 = 1<<62 - 1

// RetiredGeneration is the generation value written by user retirement.
const RetiredGeneration = MaxGeneration + 1

// DefaultGracePeriod is how long replaced records are kept before they
// become eligible for garbage collection.
const DefaultGracePeriod = 7 * 24 * time.Hour

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrNoNodeAvailable   = errors.New("no node available")
	ErrNotRetired        = errors.New("user is not retired")
	ErrUserRetired       = errors.New("user is retired")
	ErrStaleClientState  = errors.New("previously seen client-state value")
	ErrInvalidGeneration = errors.New("generation out of range")
)

// BackendError wraps a storage-level fault (connection loss, lock
// timeout, malformed row). Callers may retry with backoff; the store
// itself never retries.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ServicePattern maps a registered service name to its endpoint URL
// pattern, e.g. sync-1.5 -> {node}/1.5/{uid}.
type ServicePattern struct {
	Service string `json:"service"`
	Pattern string `json:"pattern"`
}

// Node is one capacity-bounded backend for a service. Available is a
// soft-limit slot counter tracked independently of capacity-current_load
// so operators can throttle a node below its raw remaining capacity.
type Node struct {
	Service     string `json:"service"`
	Node        string `json:"node"`
	Available   int    `json:"available"`
	CurrentLoad int    `json:"current_load"`
	Capacity    int    `json:"capacity"`
	Downed      bool   `json:"downed"`
	Backoff     bool   `json:"backoff"`
}

// UserRecord is one row of a user's assignment history. Multiple rows
// may exist per (service, email); the newest row with a nil ReplacedAt
// is the active record. Timestamps are unix milliseconds.
type UserRecord struct {
	UID         int64  `json:"uid"`
	Service     string `json:"service"`
	Email       string `json:"email"`
	Node        string `json:"node"`
	Generation  int64  `json:"generation"`
	ClientState string `json:"client_state"`
	CreatedAt   int64  `json:"created_at"`
	ReplacedAt  *int64 `json:"replaced_at,omitempty"`
}

// Retired reports whether the record's generation is at or past the
// retirement threshold.
func (r UserRecord) Retired() bool {
	return IsRetired(r.Generation)
}

// User is the assembled view returned to callers: the active record
// plus the client states of all replaced records, oldest first.
type User struct {
	Service         string   `json:"service"`
	Email           string   `json:"email"`
	UID             int64    `json:"uid"`
	Node            string   `json:"node"`
	Generation      int64    `json:"generation"`
	ClientState     string   `json:"client_state"`
	OldClientStates []string `json:"old_client_states"`
}

func IsRetired(generation int64) bool {
	return generation >= MaxGeneration
}

// ServiceApp returns the application portion of a service name, the
// shard key for per-application databases: "sync-1.5" -> "sync".
func ServiceApp(service string) string {
	app, _, _ := strings.Cut(service, "-")
	return app
}

// ValidServiceName reports whether the name follows the {app}-{version}
// convention. Both halves must be non-empty and free of whitespace.
func ValidServiceName(service string) bool {
	app, version, ok := strings.Cut(service, "-")
	if !ok || app == "" || version == "" {
		return false
	}
	return !strings.ContainsAny(service, " \t\n")
}

// Timestamp returns the current time in unix milliseconds, the unit
// used for created_at/replaced_at columns.
func Timestamp() int64 {
	return time.Now().UnixMilli()
}

// NewRequestID returns a fresh ID for request correlation in logs.
func NewRequestID() string {
	return uuid.NewString()
}
