package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

const sagaTable = "sagas"

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		sagaTable: {
			Name: sagaTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
				"type": {
					Name:    "type",
					Indexer: &memdb.StringFieldIndex{Field: "Type"},
				},
			},
		},
	},
}

// MemoryStore provides an in-memory implementation of Store for testing
// or scenarios where persistence is not required.
//
// Records are kept in a go-memdb table indexed by id, status and type. Only
// copies cross the API boundary, so callers never share memory with the
// stored state.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		// the schema is static; a failure here is a programming error
		panic(fmt.Sprintf("saga: invalid memory store schema: %v", err))
	}
	return &MemoryStore{db: db}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(sagaTable, "id", rec.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}

	stored := rec.Clone()
	stored.Version = 1
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if err := txn.Insert(sagaTable, stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	txn.Commit()

	rec.Version = stored.Version
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Record) error {
	// go-memdb serializes write transactions, so the version check and the
	// insert below are atomic.
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(sagaTable, "id", rec.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, rec.ID)
	}
	current := raw.(*Record)
	if current.Version != rec.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrVersionConflict, rec.ID, current.Version, rec.Version)
	}

	stored := rec.Clone()
	stored.Version = rec.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(sagaTable, stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	txn.Commit()

	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) Find(_ context.Context, sagaID string) (*Record, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(sagaTable, "id", sagaID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return raw.(*Record).Clone(), nil
}

func (m *MemoryStore) FindByStatus(_ context.Context, status Status) ([]*Record, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	recs, err := collect(txn.Get(sagaTable, "status", string(status)))
	if err != nil {
		return nil, err
	}
	SortRecords(recs)
	return recs, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var (
		recs []*Record
		err  error
	)
	switch {
	case f.Type != "":
		recs, err = collect(txn.Get(sagaTable, "type", string(f.Type)))
	case len(f.Statuses) == 1:
		recs, err = collect(txn.Get(sagaTable, "status", string(f.Statuses[0])))
	default:
		recs, err = collect(txn.Get(sagaTable, "id_prefix", ""))
	}
	if err != nil {
		return nil, err
	}
	return f.Apply(recs), nil
}

func collect(it memdb.ResultIterator, err error) ([]*Record, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var recs []*Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		recs = append(recs, obj.(*Record).Clone())
	}
	return recs, nil
}
