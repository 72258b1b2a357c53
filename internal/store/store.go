// Package store implements the node-assignment tables (services, nodes,
// users) on a transactional SQL database. It owns the atomic slot
// reservation done by Allocate and the multi-row user history model.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mozilla-services/wimms/internal/wimms"
)

const defaultCandidateLimit = 16

// patternCacheSize bounds the service -> pattern lookup cache. Service
// registrations are rare and the set is small; the cache exists to keep
// Lookup off the hot allocation path.
const patternCacheSize = 128

type Store struct {
	db             *sql.DB
	patterns       *lru.Cache[string, string]
	candidateLimit int
}

type StoreOptions struct {
	// CandidateLimit caps how many eligible nodes one allocation
	// considers before giving up. Zero means the default.
	CandidateLimit int
}

func Open(path string, opts StoreOptions) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New[string, string](patternCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	limit := opts.CandidateLimit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	s := &Store{db: db, patterns: cache, candidateLimit: limit}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL UNIQUE,
		pattern TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL,
		node TEXT NOT NULL,
		available INTEGER NOT NULL DEFAULT 0,
		current_load INTEGER NOT NULL DEFAULT 0,
		capacity INTEGER NOT NULL DEFAULT 0,
		downed INTEGER NOT NULL DEFAULT 0,
		backoff INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_service_node ON nodes(service, node);
	CREATE TABLE IF NOT EXISTS users (
		uid INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL,
		email TEXT NOT NULL,
		node TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		client_state TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		replaced_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_users_lookup ON users(email, service, created_at);
	CREATE INDEX IF NOT EXISTS idx_users_node ON users(node, service);
	CREATE INDEX IF NOT EXISTS idx_users_replaced ON users(service, replaced_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.ensureNodeColumns(ctx)
}

func (s *Store) ensureNodeColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(nodes)")
	if err != nil {
		return err
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	type columnDef struct {
		name string
		ddl  string
	}
	need := []columnDef{
		{name: "downed", ddl: "ALTER TABLE nodes ADD COLUMN downed INTEGER NOT NULL DEFAULT 0"},
		{name: "backoff", ddl: "ALTER TABLE nodes ADD COLUMN backoff INTEGER NOT NULL DEFAULT 0"},
	}
	for _, col := range need {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return err
		}
	}
	return nil
}

func backend(op string, err error) error {
	return &wimms.BackendError{Op: op, Err: err}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

//
// Service registry
//

func (s *Store) AddService(ctx context.Context, service, pattern string) error {
	service = strings.TrimSpace(service)
	if !wimms.ValidServiceName(service) {
		return fmt.Errorf("service name must look like {app}-{version}: %q", service)
	}
	if strings.TrimSpace(pattern) == "" {
		return errors.New("pattern required")
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO services (service, pattern) VALUES (?, ?)`,
		service,
		pattern,
	); err != nil {
		return backend("add service", err)
	}
	s.patterns.Add(service, pattern)
	return nil
}

// Lookup resolves a service name to its endpoint pattern. The negative
// result is not cached so a freshly registered service is visible on
// the next call.
func (s *Store) Lookup(ctx context.Context, service string) (string, bool, error) {
	if pattern, ok := s.patterns.Get(service); ok {
		return pattern, true, nil
	}
	var pattern string
	err := s.db.QueryRowContext(ctx, `SELECT pattern FROM services WHERE service = ?`, service).Scan(&pattern)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backend("lookup service", err)
	}
	s.patterns.Add(service, pattern)
	return pattern, true, nil
}

func (s *Store) Patterns(ctx context.Context) ([]wimms.ServicePattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service, pattern FROM services ORDER BY service`)
	if err != nil {
		return nil, backend("list patterns", err)
	}
	defer rows.Close()

	result := make([]wimms.ServicePattern, 0, 8)
	for rows.Next() {
		var p wimms.ServicePattern
		if err := rows.Scan(&p.Service, &p.Pattern); err != nil {
			return nil, backend("list patterns", err)
		}
		s.patterns.Add(p.Service, p.Pattern)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, backend("list patterns", err)
	}
	return result, nil
}

//
// Node administration
//

type NodeOptions struct {
	// Available defaults to the full capacity when nil.
	Available   *int
	CurrentLoad int
	Downed      bool
	Backoff     bool
}

func (s *Store) AddNode(ctx context.Context, service, node string, capacity int, opts NodeOptions) error {
	if strings.TrimSpace(node) == "" {
		return errors.New("node address required")
	}
	if capacity < 0 {
		return errors.New("capacity must be non-negative")
	}
	if _, ok, err := s.Lookup(ctx, service); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", wimms.ErrUnknownService, service)
	}

	available := capacity
	if opts.Available != nil {
		available = *opts.Available
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO nodes (service, node, available, current_load, capacity, downed, backoff)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		service,
		node,
		available,
		opts.CurrentLoad,
		capacity,
		boolToInt(opts.Downed),
		boolToInt(opts.Backoff),
	); err != nil {
		return backend("add node", err)
	}
	return nil
}

// NodeFields carries the writeable node columns for UpdateNode. Nil
// fields are left untouched.
type NodeFields struct {
	Available   *int  `json:"available,omitempty"`
	CurrentLoad *int  `json:"current_load,omitempty"`
	Capacity    *int  `json:"capacity,omitempty"`
	Downed      *bool `json:"downed,omitempty"`
	Backoff     *bool `json:"backoff,omitempty"`
}

func (s *Store) UpdateNode(ctx context.Context, service, node string, fields NodeFields) error {
	sets := []string{}
	args := []any{}
	if fields.Available != nil {
		sets = append(sets, "available = ?")
		args = append(args, *fields.Available)
	}
	if fields.CurrentLoad != nil {
		sets = append(sets, "current_load = ?")
		args = append(args, *fields.CurrentLoad)
	}
	if fields.Capacity != nil {
		sets = append(sets, "capacity = ?")
		args = append(args, *fields.Capacity)
	}
	if fields.Downed != nil {
		sets = append(sets, "downed = ?")
		args = append(args, boolToInt(*fields.Downed))
	}
	if fields.Backoff != nil {
		sets = append(sets, "backoff = ?")
		args = append(args, boolToInt(*fields.Backoff))
	}
	if len(sets) == 0 {
		return errors.New("no writeable fields given")
	}
	args = append(args, service, node)

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE service = ? AND node = ?`,
		args...,
	)
	if err != nil {
		return backend("update node", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return backend("update node", err)
	}
	if affected == 0 {
		return fmt.Errorf("node not found: %s/%s", service, node)
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context, service string) ([]wimms.Node, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT service, node, available, current_load, capacity, downed, backoff
		 FROM nodes WHERE service = ? ORDER BY node`,
		service,
	)
	if err != nil {
		return nil, backend("list nodes", err)
	}
	defer rows.Close()

	result := make([]wimms.Node, 0, 8)
	for rows.Next() {
		var n wimms.Node
		var downed, backoff int
		if err := rows.Scan(&n.Service, &n.Node, &n.Available, &n.CurrentLoad, &n.Capacity, &downed, &backoff); err != nil {
			return nil, backend("list nodes", err)
		}
		n.Downed = downed != 0
		n.Backoff = backoff != 0
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, backend("list nodes", err)
	}
	return result, nil
}
