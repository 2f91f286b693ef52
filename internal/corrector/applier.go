// Package corrector rewrites an instrument's bar partition so that bars
// before a confirmed corporate action are on the same scale as bars after
// it, and records the correction in the registry.
package corrector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-corpaction-engine/internal/config"
	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

// ErrNotConfirmed is returned when Apply is called for an event that is not
// CONFIRMED.
var ErrNotConfirmed = errors.New("event is not confirmed")

// TaskPlanner builds the recalculation task that follows a correction.
type TaskPlanner interface {
	Task(instrumentID string, effectiveFrom time.Time) models.RecalculationTask
}

// Result describes one Apply call.
type Result struct {
	Key models.EventKey `json:"key"`
	// Version is the version the bar partition carries after the call.
	Version   models.Version `json:"version"`
	Duplicate bool           `json:"duplicate"`
	// Resumed is set when an earlier attempt already swapped the corrected
	// partition in but never registered it.
	Resumed      bool                     `json:"resumed"`
	BarsRescaled int                      `json:"bars_rescaled"`
	Task         models.RecalculationTask `json:"task"`
}

// Applier applies confirmed events to the bar store.
type Applier struct {
	bars     storage.BarStore
	registry storage.Registry
	events   storage.EventStore
	planner  TaskPlanner
	retrier  *apperrors.ErrorClassifier
	logger   *slog.Logger
}

// NewApplier creates an applier. Partition writes and registry appends are
// retried through retrier; a nil retrier makes a single attempt. events
// persists the digest of each correction before its swap; with a nil
// events the digest only lives on the caller's event.
func NewApplier(bars storage.BarStore, registry storage.Registry, events storage.EventStore, planner TaskPlanner,
	retrier *apperrors.ErrorClassifier, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = apperrors.NewErrorClassifier(config.RetryPolicyConfig{MaxAttempts: 1, BackoffStrategy: "fixed"}, logger)
	}
	return &Applier{
		bars:     bars,
		registry: registry,
		events:   events,
		planner:  planner,
		retrier:  retrier,
		logger:   logger.With("component", "correction_applier"),
	}
}

// Apply rescales every bar dated before the event: prices by 1/ratio and
// volume by ratio. The digest of the rescaled rows is saved on the event,
// the partition is replaced through the store's staging write and swap and
// stamped with version, then the registry entry is appended.
//
// An event whose key is already registered is a no-op: the partition is not
// touched and Result.Version is the partition's current version. When the
// stored partition matches the event's saved digest the swap already
// happened, so the rows are restamped with version and only the registry
// append is retried.
func (a *Applier) Apply(ctx context.Context, event *models.CorporateActionEvent, version models.Version) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if event == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}
	if event.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("apply %s: %w (status %s)", event.ID, ErrNotConfirmed, event.Status)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("apply %s: %w", event.ID, err)
	}

	key := event.Key()
	result := &Result{Key: key}
	if a.planner != nil {
		result.Task = a.planner.Task(event.InstrumentID, event.EventDate)
	}

	applied, err := a.registry.Contains(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check registry for %s: %w", key, err)
	}

	partition, err := a.bars.ReadBars(ctx, event.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("read bars for %s: %w", event.InstrumentID, err)
	}

	if applied {
		result.Duplicate = true
		result.Version = partition.Version
		a.logger.Info("correction already registered, skipping",
			"key", key.String(),
			"partition_version", partition.Version.String())
		return result, nil
	}

	rescaled, n := partition.Rows, 0
	if event.AppliedDigest != "" && event.AppliedDigest == models.DigestBars(partition.Rows) {
		result.Resumed = true
		a.logger.Warn("bars already corrected by an earlier attempt, registering only",
			"key", key.String(),
			"partition_version", partition.Version.String())
	} else {
		rescaled, n = Rescale(partition.Rows, event.EventDate, event.Ratio())
		if err := a.record(ctx, event, models.DigestBars(rescaled)); err != nil {
			return nil, fmt.Errorf("record correction for %s: %w", key, err)
		}
	}
	result.BarsRescaled = n

	err = a.retrier.Retry(ctx, "correction_applier", "replace_bars", func() error {
		return a.bars.ReplaceBars(ctx, event.InstrumentID, rescaled, version)
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite bars for %s: %w", event.InstrumentID, err)
	}
	result.Version = version

	entry := models.NewRegistryEntry(event, version)
	err = a.retrier.Retry(ctx, "correction_applier", "registry_append", func() error {
		return a.registry.Append(ctx, entry)
	})
	if err != nil && !apperrors.IsDuplicate(err) {
		return nil, fmt.Errorf("register %s: %w", key, err)
	}

	a.logger.Info("applied correction",
		"key", key.String(),
		"event_type", event.EventType,
		"bars_rescaled", n,
		"bars_total", len(rescaled),
		"version", version.String())

	return result, nil
}

// record saves digest on the event before the partition is swapped.
func (a *Applier) record(ctx context.Context, event *models.CorporateActionEvent, digest string) error {
	event.AppliedDigest = digest
	event.UpdatedAt = time.Now().UTC()
	if a.events == nil {
		return nil
	}
	return a.retrier.Retry(ctx, "correction_applier", "save_event", func() error {
		return a.events.SaveEvent(ctx, event)
	})
}

// Rescale returns a copy of bars where every bar dated before boundary is
// rescaled by ratio, together with the number of bars changed. Bars on or
// after boundary are copied unchanged.
func Rescale(bars []models.Bar, boundary time.Time, ratio decimal.Decimal) ([]models.Bar, int) {
	day := models.TruncateDay(boundary)
	out := make([]models.Bar, len(bars))
	n := 0
	for i, b := range bars {
		if b.Day().Before(day) {
			out[i] = b.Rescale(ratio)
			n++
			continue
		}
		out[i] = b
	}
	return out, n
}
