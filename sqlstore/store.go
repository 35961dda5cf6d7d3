// Package sqlstore implements saga.Store on database/sql. PostgreSQL is
// reached through the pgx stdlib driver and SQLite through go-sqlite3.
//
// The full record is stored as a JSON payload; the columns next to it exist
// for the optimistic version check and the operator query filters.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fortressi/saga"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS saga_records (
	saga_id    TEXT PRIMARY KEY,
	saga_type  TEXT NOT NULL,
	status     TEXT NOT NULL,
	partial    BOOLEAN NOT NULL DEFAULT FALSE,
	version    BIGINT NOT NULL,
	payload    TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS saga_records_status_idx ON saga_records (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS saga_records_type_idx ON saga_records (saga_type)`,
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects with the dialect's driver and pings the database.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn is empty")
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Driver, err)
	}
	if d.Driver == SQLite.Driver {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	return New(db, d), nil
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate saga_records: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *saga.Record) error {
	stored := rec.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode saga record: %w", err)
	}

	a := args{d: s.dialect}
	query := fmt.Sprintf(`INSERT INTO saga_records (saga_id, saga_type, status, partial, version, payload, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		a.add(stored.ID), a.add(string(stored.Type)), a.add(string(stored.Status)), a.add(stored.PartialCompensation),
		a.add(stored.Version), a.add(string(payload)), a.add(stored.CreatedAt.UnixNano()), a.add(stored.UpdatedAt.UnixNano()))
	if _, err := s.db.ExecContext(ctx, query, a.values...); err != nil {
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("%w: %s", saga.ErrAlreadyExists, rec.ID)
		}
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}

	rec.Version = stored.Version
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) Update(ctx context.Context, rec *saga.Record) error {
	stored := rec.Clone()
	stored.Version = rec.Version + 1
	stored.UpdatedAt = s.now()
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode saga record: %w", err)
	}

	a := args{d: s.dialect}
	query := fmt.Sprintf(`UPDATE saga_records SET status = %s, partial = %s, version = %s, payload = %s, updated_at = %s WHERE saga_id = %s AND version = %s`,
		a.add(string(stored.Status)), a.add(stored.PartialCompensation), a.add(stored.Version),
		a.add(string(payload)), a.add(stored.UpdatedAt.UnixNano()), a.add(stored.ID), a.add(rec.Version))
	res, err := s.db.ExecContext(ctx, query, a.values...)
	if err != nil {
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return s.missOrConflict(ctx, rec.ID)
	}

	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// missOrConflict tells a missing row from a stale version after an update
// matched nothing.
func (s *Store) missOrConflict(ctx context.Context, sagaID string) error {
	a := args{d: s.dialect}
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM saga_records WHERE saga_id = `+a.add(sagaID), a.values...).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	case err != nil:
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %s at version %d", saga.ErrVersionConflict, sagaID, version)
}

func (s *Store) Find(ctx context.Context, sagaID string) (*saga.Record, error) {
	a := args{d: s.dialect}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM saga_records WHERE saga_id = `+a.add(sagaID), a.values...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	return decode(sagaID, payload)
}

func (s *Store) FindByStatus(ctx context.Context, status saga.Status) ([]*saga.Record, error) {
	return s.List(ctx, saga.Filter{Statuses: []saga.Status{status}})
}

func (s *Store) List(ctx context.Context, f saga.Filter) ([]*saga.Record, error) {
	query, values := s.listQuery(f)
	rows, err := s.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	recs := []*saga.Record{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
		}
		rec, err := decode(id, payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	if f.Limit <= 0 && f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []*saga.Record{}, nil
		}
		recs = recs[f.Offset:]
	}
	return recs, nil
}

func (s *Store) listQuery(f saga.Filter) (string, []any) {
	a := args{d: s.dialect}
	var where []string
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = a.add(string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "saga_type = "+a.add(string(f.Type)))
	}
	if f.Partial != nil {
		where = append(where, "partial = "+a.add(*f.Partial))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+a.add(f.UpdatedBefore.UnixNano()))
	}

	var b strings.Builder
	b.WriteString("SELECT saga_id, payload FROM saga_records")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, saga_id")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + a.add(f.Limit))
		b.WriteString(" OFFSET " + a.add(f.Offset))
	}
	return b.String(), a.values
}

func decode(sagaID, payload string) (*saga.Record, error) {
	var rec saga.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode saga record %s: %w", sagaID, err)
	}
	return &rec, nil
}
