package store

import (
	"context"
	"errors"

	"github.com/seantiz/infergate/internal/model"
)

var (
	// ErrNotFound is returned when no result exists for an id.
	ErrNotFound = errors.New("result not found")

	// ErrAlreadyExists is returned when creating a result for an id that is already stored.
	ErrAlreadyExists = errors.New("result already exists")

	// ErrInvalidTransition is returned when a result status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ResultStats holds aggregate counts of stored results.
type ResultStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store maps request ids to their completion state.
type Store interface {
	// CreateResult records a new pending result.
	CreateResult(ctx context.Context, r *model.Result) error
	// GetResult returns a copy of the result for id, or ErrNotFound.
	GetResult(ctx context.Context, id string) (*model.Result, error)
	// FinishResult moves a pending result to the terminal status carried by r.
	// It returns ErrInvalidTransition if the result is already terminal.
	FinishResult(ctx context.Context, r *model.Result) error
	// DeleteResult removes the result for id.
	DeleteResult(ctx context.Context, id string) error
	GetResultStats(ctx context.Context) (*ResultStats, error)
	Close() error
}

// Store kinds accepted by Open.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// Open constructs the store named by kind. dbPath is only used by the SQLite store.
func Open(kind, dbPath string) (Store, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryStore(), nil
	case KindSQLite:
		return NewSQLiteStore(dbPath)
	default:
		return nil, errors.New("unknown result store kind: " + kind)
	}
}
