package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mozilla-services/wimms/internal/wimms"
)

// ShardedStore splits the metadata across one database per service
// application: every service named {app}-{version} lives in the shard
// registered for {app}. The shard spec is a comma-separated list of
// app=path pairs, e.g. "sync=/var/db/sync.db,queuey=/var/db/queuey.db".
type ShardedStore struct {
	shards map[string]*Store
}

func OpenSharded(spec string, opts StoreOptions) (*ShardedStore, error) {
	shards := map[string]*Store{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		app, path, ok := strings.Cut(entry, "=")
		app = strings.TrimSpace(app)
		path = strings.TrimSpace(path)
		if !ok || app == "" || path == "" {
			closeAll(shards)
			return nil, fmt.Errorf("malformed shard entry %q, want app=path", entry)
		}
		if _, dup := shards[app]; dup {
			continue
		}
		s, err := Open(path, opts)
		if err != nil {
			closeAll(shards)
			return nil, fmt.Errorf("open shard %s: %w", app, err)
		}
		shards[app] = s
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards in spec %q", spec)
	}
	return &ShardedStore{shards: shards}, nil
}

func closeAll(shards map[string]*Store) {
	for _, s := range shards {
		_ = s.Close()
	}
}

func (s *ShardedStore) Close() error {
	var first error
	for _, shard := range s.shards {
		if err := shard.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *ShardedStore) shard(service string) (*Store, error) {
	app := wimms.ServiceApp(service)
	shard, ok := s.shards[app]
	if !ok {
		return nil, fmt.Errorf("%w: no shard for %s", wimms.ErrUnknownService, service)
	}
	return shard, nil
}

func (s *ShardedStore) AddService(ctx context.Context, service, pattern string) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.AddService(ctx, service, pattern)
}

func (s *ShardedStore) Lookup(ctx context.Context, service string) (string, bool, error) {
	shard, err := s.shard(service)
	if err != nil {
		return "", false, nil
	}
	return shard.Lookup(ctx, service)
}

// Patterns merges the registrations of every shard.
func (s *ShardedStore) Patterns(ctx context.Context) ([]wimms.ServicePattern, error) {
	merged := make([]wimms.ServicePattern, 0, 8)
	seen := map[wimms.ServicePattern]struct{}{}
	for _, shard := range s.shards {
		patterns, err := shard.Patterns(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range patterns {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			merged = append(merged, p)
		}
	}
	return merged, nil
}

func (s *ShardedStore) AddNode(ctx context.Context, service, node string, capacity int, opts NodeOptions) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.AddNode(ctx, service, node, capacity, opts)
}

func (s *ShardedStore) UpdateNode(ctx context.Context, service, node string, fields NodeFields) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.UpdateNode(ctx, service, node, fields)
}

func (s *ShardedStore) ListNodes(ctx context.Context, service string) ([]wimms.Node, error) {
	shard, err := s.shard(service)
	if err != nil {
		return nil, err
	}
	return shard.ListNodes(ctx, service)
}

func (s *ShardedStore) Allocate(ctx context.Context, service string) (string, error) {
	shard, err := s.shard(service)
	if err != nil {
		return "", err
	}
	return shard.Allocate(ctx, service)
}

func (s *ShardedStore) FindActive(ctx context.Context, service, email string) (*wimms.UserRecord, error) {
	shard, err := s.shard(service)
	if err != nil {
		return nil, err
	}
	return shard.FindActive(ctx, service, email)
}

func (s *ShardedStore) LatestRecord(ctx context.Context, service, email string) (*wimms.UserRecord, error) {
	shard, err := s.shard(service)
	if err != nil {
		return nil, err
	}
	return shard.LatestRecord(ctx, service, email)
}

func (s *ShardedStore) Insert(ctx context.Context, rec wimms.UserRecord) (int64, error) {
	shard, err := s.shard(rec.Service)
	if err != nil {
		return 0, err
	}
	return shard.Insert(ctx, rec)
}

func (s *ShardedStore) CollapseHistory(ctx context.Context, service, email string, asOf, activeUID int64) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.CollapseHistory(ctx, service, email, asOf, activeUID)
}

func (s *ShardedStore) MarkReplacedByNode(ctx context.Context, service, node string, emails []string) (int64, error) {
	shard, err := s.shard(service)
	if err != nil {
		return 0, err
	}
	return shard.MarkReplacedByNode(ctx, service, node, emails)
}

func (s *ShardedStore) Retire(ctx context.Context, service, email string) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.Retire(ctx, service, email)
}

func (s *ShardedStore) Purge(ctx context.Context, service, email string) (int64, error) {
	shard, err := s.shard(service)
	if err != nil {
		return 0, err
	}
	return shard.Purge(ctx, service, email)
}

func (s *ShardedStore) UpdateGeneration(ctx context.Context, service, email string, generation int64) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.UpdateGeneration(ctx, service, email, generation)
}

func (s *ShardedStore) Records(ctx context.Context, service, email string) ([]wimms.UserRecord, error) {
	shard, err := s.shard(service)
	if err != nil {
		return nil, err
	}
	return shard.Records(ctx, service, email)
}

func (s *ShardedStore) OldRecords(ctx context.Context, service string, grace time.Duration, limit int) ([]wimms.UserRecord, error) {
	shard, err := s.shard(service)
	if err != nil {
		return nil, err
	}
	return shard.OldRecords(ctx, service, grace, limit)
}

func (s *ShardedStore) DeleteRecord(ctx context.Context, service string, uid int64) error {
	shard, err := s.shard(service)
	if err != nil {
		return err
	}
	return shard.DeleteRecord(ctx, service, uid)
}
