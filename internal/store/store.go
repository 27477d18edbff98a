// Package store persists indicator documents with insert-if-absent semantics
// keyed by (indicator, type, timestamp).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/threatintel/internal/model"
)

// Outcome is the result of a conditional insert
type Outcome int

const (
	// Inserted means the document was new and has been persisted
	Inserted Outcome = iota + 1
	// AlreadyExists means a document with the same natural key was present; nothing was written
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrStoreUnavailable wraps every connectivity or storage-engine failure
var ErrStoreUnavailable = errors.New("store unavailable")

// MaxResults bounds Find
const MaxResults = 20

// Filter selects documents for the read side. Empty fields match everything.
type Filter struct {
	Type     string
	Severity string
	Limit    int // Zero or above MaxResults means MaxResults
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > MaxResults {
		return MaxResults
	}
	return f.Limit
}

// Store is a deduplicating indicator collection
type Store interface {
	// InsertIfAbsent atomically persists doc unless its natural key exists.
	// Concurrent calls with the same key never both return Inserted.
	InsertIfAbsent(ctx context.Context, doc model.Indicator) (Outcome, error)

	// Find returns at most 20 documents matching f, newest timestamp first
	Find(ctx context.Context, f Filter) ([]model.Indicator, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open connects to the store described by cfg and verifies it is reachable.
// Callers treat an error as fatal.
func Open(ctx context.Context, cfg model.StoreConfig) (Store, error) {
	driver := strings.ToLower(cfg.Driver)

	var (
		st  Store
		err error
	)
	switch driver {
	case "mongo", "mongodb":
		st, err = OpenMongo(ctx, cfg)

	case "sqlite", "sqlite3":
		st, err = OpenSQL(ctx, DialectSQLite, cfg.URI, cfg.Collection)

	case "postgres", "postgresql":
		st, err = OpenSQL(ctx, DialectPostgres, cfg.URI, cfg.Collection)

	case "memory":
		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown store driver: %s (supported: mongo, sqlite, postgres, memory)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Ping(ctx); err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	return st, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
