// Package storage defines the persistence interfaces of the engine and their
// DuckDB/Parquet and in-memory implementations. Bar and derived-signal data
// is partitioned by instrument; every partition rewrite goes through a
// staging location followed by an atomic swap.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// ErrNotFound is returned when a partition or event does not exist.
var ErrNotFound = errors.New("not found")

// BarStore is the append-only, instrument-partitioned store of daily bars.
type BarStore interface {
	// AppendBars adds bars after the last stored date of the instrument.
	// Bars on or before that date are rejected; ingest never rewrites history.
	AppendBars(ctx context.Context, instrumentID string, bars []models.Bar) error

	// ReadBars returns the instrument's full history in date order.
	// Returns ErrNotFound when the instrument has no partition.
	ReadBars(ctx context.Context, instrumentID string) (*models.BarPartition, error)

	// ReplaceBars atomically replaces the instrument's partition and stamps
	// it with version. Readers see either the old or the new partition.
	ReplaceBars(ctx context.Context, instrumentID string, bars []models.Bar, version models.Version) error

	// ListInstruments returns every instrument with a bar partition, sorted.
	ListInstruments(ctx context.Context) ([]string, error)
}

// DerivedStore holds the rolling-signal datasets, one partition per
// (dataset, instrument).
type DerivedStore interface {
	// ReadSignals returns ErrNotFound when the partition does not exist.
	ReadSignals(ctx context.Context, dataset, instrumentID string) (*models.SignalPartition, error)
	ReplaceSignals(ctx context.Context, dataset, instrumentID string, rows []models.SignalPoint, version models.Version) error
}

// Registry is the append-only set of applied corrections keyed by
// (instrument, event date, ratio).
type Registry interface {
	// Append returns a *errors.DuplicateEventError when the key exists.
	Append(ctx context.Context, entry models.RegistryEntry) error
	Contains(ctx context.Context, key models.EventKey) (bool, error)
	ListEntries(ctx context.Context, instrumentID string) ([]models.RegistryEntry, error)
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	InstrumentID string
	Status       models.EventStatus
	Stages       []models.Stage
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *models.CorporateActionEvent) bool {
	if f.InstrumentID != "" && e.InstrumentID != f.InstrumentID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if len(f.Stages) == 0 {
		return true
	}
	for _, s := range f.Stages {
		if e.Stage == s {
			return true
		}
	}
	return false
}

// EventStore persists classified events and their cascade stage between runs.
type EventStore interface {
	// SaveEvent inserts or replaces the event by id.
	SaveEvent(ctx context.Context, event *models.CorporateActionEvent) error
	// GetEvent returns ErrNotFound for an unknown id.
	GetEvent(ctx context.Context, id string) (*models.CorporateActionEvent, error)
	// FindEvent returns the event of an instrument on a day, or ErrNotFound.
	FindEvent(ctx context.Context, instrumentID string, date time.Time) (*models.CorporateActionEvent, error)
	// ListEvents returns matching events ordered by instrument then date.
	ListEvents(ctx context.Context, filter EventFilter) ([]models.CorporateActionEvent, error)
}

// VersionLedger allocates and commits consistency versions. Reserve and
// Commit are serialized so versions are unique and increasing.
type VersionLedger interface {
	Reserve(ctx context.Context, instrumentID string) (models.Version, error)
	Commit(ctx context.Context, version models.Version) error
	// Latest returns the highest committed version, 0 when none.
	Latest(ctx context.Context) (models.Version, error)
	// Committed reports whether version was committed. Version 0 is the
	// baseline partitions are seeded with and is always committed.
	Committed(ctx context.Context, version models.Version) (bool, error)
}

// StorageManager handles storage lifecycle.
type StorageManager interface {
	Initialize(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error
}

// FullStorage combines every storage capability.
type FullStorage interface {
	BarStore
	DerivedStore
	Registry
	EventStore
	VersionLedger
	StorageManager
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the table or dataset involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewUpdateError creates a StorageError specifically for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{Operation: "update", Table: table, Err: err}
}

// checkAppend verifies that bars extend existing strictly after its last date.
func checkAppend(instrumentID string, existing, bars []models.Bar) error {
	if err := models.ValidateSeries(instrumentID, bars); err != nil {
		return err
	}
	if len(existing) == 0 || len(bars) == 0 {
		return nil
	}
	last := existing[len(existing)-1].Day()
	if !bars[0].Day().After(last) {
		return fmt.Errorf("append for %s must start after %s, got %s",
			instrumentID, last.Format(models.DateLayout), bars[0].Day().Format(models.DateLayout))
	}
	return nil
}

// normalizeBars returns a copy with every date truncated to the day.
func normalizeBars(bars []models.Bar) []models.Bar {
	out := make([]models.Bar, len(bars))
	for i, b := range bars {
		b.Date = models.TruncateDay(b.Date)
		out[i] = b
	}
	return out
}

func normalizeSignals(rows []models.SignalPoint) []models.SignalPoint {
	out := make([]models.SignalPoint, len(rows))
	for i, r := range rows {
		r.Date = models.TruncateDay(r.Date)
		out[i] = r
	}
	return out
}
