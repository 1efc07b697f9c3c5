package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// ErrNotFound is returned when an event is not found.
var ErrNotFound = errors.New("event not found")

// EventFilter selects events for ListEvents. Empty fields match everything.
type EventFilter struct {
	Runtime string
	Kind    string
	Limit   int
	Offset  int
}

// EventStats holds aggregate restart statistics.
type EventStats struct {
	Total            int            `json:"total"`
	CountByKind      map[string]int `json:"count_by_kind"`
	CountByRuntime   map[string]int `json:"count_by_runtime"`
	AvgRestartMS     float64        `json:"avg_restart_ms"`
	LastRestartAt    *time.Time     `json:"last_restart_at,omitempty"`
	FailedRestarts   int            `json:"failed_restarts"`
	FailedDependents int            `json:"failed_dependents"`
}

// Store defines the persistence operations for runtime events.
type Store interface {
	InsertEvent(ctx context.Context, ev *model.RuntimeEvent) error
	GetEvent(ctx context.Context, id string) (*model.RuntimeEvent, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*model.RuntimeEvent, int, error)
	GetEventStats(ctx context.Context) (*EventStats, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
