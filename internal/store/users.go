package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mozilla-services/wimms/internal/wimms"
)

const userColumns = `uid, service, email, node, generation, client_state, created_at, replaced_at`

func scanUserRecord(row interface{ Scan(...any) error }) (wimms.UserRecord, error) {
	var rec wimms.UserRecord
	var replacedAt sql.NullInt64
	err := row.Scan(
		&rec.UID,
		&rec.Service,
		&rec.Email,
		&rec.Node,
		&rec.Generation,
		&rec.ClientState,
		&rec.CreatedAt,
		&replacedAt,
	)
	if err != nil {
		return wimms.UserRecord{}, err
	}
	if replacedAt.Valid {
		v := replacedAt.Int64
		rec.ReplacedAt = &v
	}
	return rec, nil
}

// FindActive returns the newest open record for the key: greatest
// created_at among rows with a null replaced_at, nil when none exists.
func (s *Store) FindActive(ctx context.Context, service, email string) (*wimms.UserRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE service = ? AND email = ? AND replaced_at IS NULL
		 ORDER BY created_at DESC, uid DESC
		 LIMIT 1`,
		service,
		email,
	)
	rec, err := scanUserRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backend("find active", err)
	}
	return &rec, nil
}

// LatestRecord returns the newest record for the key regardless of its
// replaced_at state. This is what GetUser inspects: a newest row that
// has been marked replaced but not retired signals a pending
// reassignment (password reset or node decommission).
func (s *Store) LatestRecord(ctx context.Context, service, email string) (*wimms.UserRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE service = ? AND email = ?
		 ORDER BY created_at DESC, uid DESC
		 LIMIT 1`,
		service,
		email,
	)
	rec, err := scanUserRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backend("latest record", err)
	}
	return &rec, nil
}

// Insert appends a new history row and returns its uid. It never
// mutates other rows; closing superseded rows is CollapseHistory's job.
func (s *Store) Insert(ctx context.Context, rec wimms.UserRecord) (int64, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = wimms.Timestamp()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (service, email, node, generation, client_state, created_at, replaced_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		rec.Service,
		rec.Email,
		rec.Node,
		rec.Generation,
		rec.ClientState,
		rec.CreatedAt,
	)
	if err != nil {
		return 0, backend("insert user record", err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, backend("insert user record", err)
	}
	return uid, nil
}

// CollapseHistory closes every open row of the key that is older than
// the active record, repairing orphaned rows left behind by a reset
// that inserted a replacement without atomically closing its
// predecessor. Rows sharing the active record's timestamp are ordered
// by uid, which is monotonic. Idempotent.
func (s *Store) CollapseHistory(ctx context.Context, service, email string, asOf, activeUID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE users
		 SET replaced_at = ?
		 WHERE service = ? AND email = ? AND replaced_at IS NULL
		   AND (created_at < ? OR (created_at = ? AND uid < ?))`,
		asOf,
		service,
		email,
		asOf,
		asOf,
		activeUID,
	)
	if err != nil {
		return backend("collapse history", err)
	}
	return nil
}

// MarkReplacedByNode closes the active records currently assigned to a
// node, optionally restricted to an explicit email list. Used by node
// decommissioning; the affected users are lazily reassigned on their
// next lookup.
func (s *Store) MarkReplacedByNode(ctx context.Context, service, node string, emails []string) (int64, error) {
	query := `UPDATE users SET replaced_at = ? WHERE service = ? AND node = ? AND replaced_at IS NULL`
	args := []any{wimms.Timestamp(), service, node}
	if len(emails) > 0 {
		query += ` AND email IN (?` + strings.Repeat(", ?", len(emails)-1) + `)`
		for _, email := range emails {
			args = append(args, email)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, backend("mark replaced", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, backend("mark replaced", err)
	}
	return affected, nil
}

// Retire blocks the key permanently: every row gets the retirement
// generation, and any still-open row gets replaced_at stamped. The two
// updates run in one transaction so a reader never observes a
// half-retired key.
func (s *Store) Retire(ctx context.Context, service, email string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return backend("retire user", err)
	}
	defer tx.Rollback()

	now := wimms.Timestamp()
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE users SET generation = ? WHERE service = ? AND email = ?`,
		wimms.RetiredGeneration,
		service,
		email,
	); err != nil {
		return backend("retire user", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE users SET replaced_at = ? WHERE service = ? AND email = ? AND replaced_at IS NULL`,
		now,
		service,
		email,
	); err != nil {
		return backend("retire user", err)
	}
	if err := tx.Commit(); err != nil {
		return backend("retire user", err)
	}
	return nil
}

// Purge deletes every row for the key. The key must already be retired;
// purging a live user fails with ErrNotRetired and leaves all rows
// untouched.
func (s *Store) Purge(ctx context.Context, service, email string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, backend("purge user", err)
	}
	defer tx.Rollback()

	var generation int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT generation FROM users
		 WHERE service = ? AND email = ?
		 ORDER BY created_at DESC, uid DESC
		 LIMIT 1`,
		service,
		email,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", wimms.ErrNotRetired, service, email)
	}
	if err != nil {
		return 0, backend("purge user", err)
	}
	if !wimms.IsRetired(generation) {
		return 0, fmt.Errorf("%w: %s/%s", wimms.ErrNotRetired, service, email)
	}

	res, err := tx.ExecContext(
		ctx,
		`DELETE FROM users WHERE service = ? AND email = ?`,
		service,
		email,
	)
	if err != nil {
		return 0, backend("purge user", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, backend("purge user", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, backend("purge user", err)
	}
	return deleted, nil
}

// UpdateGeneration bumps the generation on the active rows of the key.
// The guard keeps the update monotonic: moving a generation backwards
// is silently a no-op, matching the credential-issuance semantics.
func (s *Store) UpdateGeneration(ctx context.Context, service, email string, generation int64) error {
	if generation < 0 || generation >= wimms.MaxGeneration {
		return fmt.Errorf("%w: %d", wimms.ErrInvalidGeneration, generation)
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE users
		 SET generation = ?
		 WHERE service = ? AND email = ? AND generation < ? AND replaced_at IS NULL`,
		generation,
		service,
		email,
		generation,
	)
	if err != nil {
		return backend("update generation", err)
	}
	return nil
}

// Records returns the full history for the key, oldest first.
func (s *Store) Records(ctx context.Context, service, email string) ([]wimms.UserRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE service = ? AND email = ?
		 ORDER BY created_at ASC, uid ASC`,
		service,
		email,
	)
	if err != nil {
		return nil, backend("user records", err)
	}
	defer rows.Close()

	result := make([]wimms.UserRecord, 0, 8)
	for rows.Next() {
		rec, err := scanUserRecord(rows)
		if err != nil {
			return nil, backend("user records", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, backend("user records", err)
	}
	return result, nil
}

// OldRecords returns rows that were replaced before now-grace, newest
// first, capped at limit. A negative grace selects the default period.
func (s *Store) OldRecords(ctx context.Context, service string, grace time.Duration, limit int) ([]wimms.UserRecord, error) {
	if grace < 0 {
		grace = wimms.DefaultGracePeriod
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := wimms.Timestamp() - grace.Milliseconds()

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE service = ? AND replaced_at IS NOT NULL AND replaced_at < ?
		 ORDER BY replaced_at DESC, uid DESC
		 LIMIT ?`,
		service,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, backend("old records", err)
	}
	defer rows.Close()

	result := make([]wimms.UserRecord, 0, limit)
	for rows.Next() {
		rec, err := scanUserRecord(rows)
		if err != nil {
			return nil, backend("old records", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, backend("old records", err)
	}
	return result, nil
}

// DeleteRecord removes a single history row by uid.
func (s *Store) DeleteRecord(ctx context.Context, service string, uid int64) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM users WHERE service = ? AND uid = ?`,
		service,
		uid,
	); err != nil {
		return backend("delete user record", err)
	}
	return nil
}
