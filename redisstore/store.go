// Package redisstore implements saga.Store on Redis.
//
// Each record is a JSON string under <prefix>:record:<id>. Secondary indexes
// are kept as sets per status and per saga type, a set of partially
// compensated sagas, and a sorted set of all ids ordered by creation time.
// Writes WATCH the record key and apply the record and its index changes in
// one MULTI/EXEC, so a concurrent writer turns into a version conflict.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fortressi/saga"
)

type Store struct {
	client *redis.Client
	keys   keys
}

type Option func(*Store)

// WithPrefix namespaces every key, default "saga".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys.prefix = prefix }
}

func New(opts *redis.Options, options ...Option) *Store {
	return NewWithClient(redis.NewClient(opts), options...)
}

func NewWithClient(client *redis.Client, options ...Option) *Store {
	s := &Store{client: client, keys: keys{prefix: defaultPrefix}}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, mapping failures to saga.ErrStoreUnavailable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *saga.Record) error {
	stored := rec.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode saga record: %w", err)
	}

	recordKey := s.keys.record(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, recordKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return saga.ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			pipe.SAdd(ctx, s.keys.status(stored.Status), stored.ID)
			pipe.SAdd(ctx, s.keys.sagaType(stored.Type), stored.ID)
			pipe.ZAdd(ctx, s.keys.all(), redis.Z{Score: float64(stored.CreatedAt.UnixNano()), Member: stored.ID})
			if stored.PartialCompensation {
				pipe.SAdd(ctx, s.keys.partial(), stored.ID)
			}
			return nil
		})
		return err
	}, recordKey)
	if errors.Is(err, saga.ErrAlreadyExists) || errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", saga.ErrAlreadyExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}

	rec.Version = stored.Version
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) Update(ctx context.Context, rec *saga.Record) error {
	recordKey := s.keys.record(rec.ID)
	stored := rec.Clone()
	stored.Version = rec.Version + 1
	stored.UpdatedAt = time.Now().UTC()

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, recordKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return saga.ErrSagaNotFound
		}
		if err != nil {
			return err
		}
		var current saga.Record
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode saga record %s: %w", rec.ID, err)
		}
		if current.Version != rec.Version {
			return saga.ErrVersionConflict
		}

		stored.CreatedAt = current.CreatedAt
		payload, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			if current.Status != stored.Status {
				pipe.SRem(ctx, s.keys.status(current.Status), stored.ID)
				pipe.SAdd(ctx, s.keys.status(stored.Status), stored.ID)
			}
			if stored.PartialCompensation {
				pipe.SAdd(ctx, s.keys.partial(), stored.ID)
			} else {
				pipe.SRem(ctx, s.keys.partial(), stored.ID)
			}
			return nil
		})
		return err
	}, recordKey)
	switch {
	case err == nil:
	case errors.Is(err, saga.ErrSagaNotFound):
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, rec.ID)
	case errors.Is(err, saga.ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s", saga.ErrVersionConflict, rec.ID)
	default:
		return fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}

	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *Store) Find(ctx context.Context, sagaID string) (*saga.Record, error) {
	raw, err := s.client.Get(ctx, s.keys.record(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	var rec saga.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode saga record %s: %w", sagaID, err)
	}
	return &rec, nil
}

func (s *Store) FindByStatus(ctx context.Context, status saga.Status) ([]*saga.Record, error) {
	return s.List(ctx, saga.Filter{Statuses: []saga.Status{status}})
}

// List narrows the candidates with the most selective index available and
// filters the loaded records in memory.
func (s *Store) List(ctx context.Context, f saga.Filter) ([]*saga.Record, error) {
	var (
		ids []string
		err error
	)
	switch {
	case f.Partial != nil && *f.Partial:
		ids, err = s.client.SMembers(ctx, s.keys.partial()).Result()
	case f.Type != "":
		ids, err = s.client.SMembers(ctx, s.keys.sagaType(f.Type)).Result()
	case len(f.Statuses) == 1:
		ids, err = s.client.SMembers(ctx, s.keys.status(f.Statuses[0])).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.keys.all(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return f.Apply(recs), nil
}

func (s *Store) load(ctx context.Context, ids []string) ([]*saga.Record, error) {
	if len(ids) == 0 {
		return []*saga.Record{}, nil
	}
	recordKeys := make([]string, len(ids))
	for i, id := range ids {
		recordKeys[i] = s.keys.record(id)
	}
	values, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", saga.ErrStoreUnavailable, err)
	}
	recs := make([]*saga.Record, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without a record; skip it
			continue
		}
		var rec saga.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode saga record %s: %w", ids[i], err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}
