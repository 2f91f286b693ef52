// Package recalc recomputes an instrument's rolling-window signals after its
// bars were corrected, touching only the rows on or after the correction
// date.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

// DefaultMinLookbackDays is the floor on the number of trading days loaded
// before the effective date.
const DefaultMinLookbackDays = 200

// RecomputeResult describes one recomputation.
type RecomputeResult struct {
	InstrumentID  string         `json:"instrument_id"`
	EffectiveFrom time.Time      `json:"effective_from"`
	WindowStart   time.Time      `json:"window_start"`
	BarsLoaded    int            `json:"bars_loaded"`
	RowsMerged    map[string]int `json:"rows_merged"`
	Version       models.Version `json:"version"`
	Duration      time.Duration  `json:"duration"`
}

// Engine recomputes derived signals for one instrument at a time.
type Engine struct {
	bars        storage.BarStore
	derived     storage.DerivedStore
	signals     []Signal
	minLookback int
	logger      *slog.Logger
}

// NewEngine creates an engine. A nil signals slice uses DefaultSignals and
// a non-positive minLookback uses DefaultMinLookbackDays.
func NewEngine(bars storage.BarStore, derived storage.DerivedStore, signals []Signal, minLookback int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if signals == nil {
		signals = DefaultSignals()
	}
	if minLookback <= 0 {
		minLookback = DefaultMinLookbackDays
	}
	return &Engine{
		bars:        bars,
		derived:     derived,
		signals:     signals,
		minLookback: minLookback,
		logger:      logger.With("component", "recalc_engine"),
	}
}

// Signals returns the registered signals.
func (e *Engine) Signals() []Signal {
	return append([]Signal(nil), e.signals...)
}

// RequiredLookback is the number of trading days that must be loaded before
// an effective date: the longest signal lookback, but never less than the
// configured floor.
func (e *Engine) RequiredLookback() int {
	lookback := e.minLookback
	for _, s := range e.signals {
		if s.Lookback() > lookback {
			lookback = s.Lookback()
		}
	}
	return lookback
}

// Task builds the recalculation task for a correction effective on date.
func (e *Engine) Task(instrumentID string, effectiveFrom time.Time) models.RecalculationTask {
	return models.RecalculationTask{
		InstrumentID:         instrumentID,
		EffectiveFrom:        models.TruncateDay(effectiveFrom),
		RequiredLookbackDays: e.RequiredLookback(),
	}
}

// Recompute reloads the instrument's bars from RequiredLookbackDays before
// the effective date, recomputes every signal over that window and merges
// the rows dated on or after the effective date into each derived partition,
// which is rewritten stamped with version. Earlier rows are left as they are.
func (e *Engine) Recompute(ctx context.Context, task models.RecalculationTask, version models.Version) (*RecomputeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := time.Now()
	from := models.TruncateDay(task.EffectiveFrom)
	lookback := task.RequiredLookbackDays
	if lookback < e.RequiredLookback() {
		lookback = e.RequiredLookback()
	}

	partition, err := e.bars.ReadBars(ctx, task.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("read bars for %s: %w", task.InstrumentID, err)
	}
	bars := partition.Rows

	idx := sort.Search(len(bars), func(i int) bool { return !bars[i].Day().Before(from) })
	begin := idx - lookback
	if begin < 0 {
		begin = 0
	}
	window := bars[begin:]

	result := &RecomputeResult{
		InstrumentID:  task.InstrumentID,
		EffectiveFrom: from,
		BarsLoaded:    len(window),
		RowsMerged:    make(map[string]int, len(e.signals)),
		Version:       version,
	}
	if len(window) > 0 {
		result.WindowStart = window[0].Day()
	}

	for _, signal := range e.signals {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		fresh := make([]models.SignalPoint, 0)
		for _, p := range signal.Compute(window) {
			if !p.Date.Before(from) {
				fresh = append(fresh, p)
			}
		}

		merged, err := e.merge(ctx, signal.Name(), task.InstrumentID, fresh)
		if err != nil {
			return nil, err
		}
		if err := e.derived.ReplaceSignals(ctx, signal.Name(), task.InstrumentID, merged, version); err != nil {
			return nil, fmt.Errorf("write %s for %s: %w", signal.Name(), task.InstrumentID, err)
		}
		result.RowsMerged[signal.Name()] = len(fresh)
	}

	result.Duration = time.Since(start)
	e.logger.Info("recomputed derived signals",
		"instrument", task.InstrumentID,
		"effective_from", from.Format(models.DateLayout),
		"window_start", result.WindowStart.Format(models.DateLayout),
		"bars_loaded", result.BarsLoaded,
		"signals", len(e.signals),
		"version", version.String(),
		"duration", result.Duration)

	return result, nil
}

// merge overlays fresh rows onto the stored partition keyed by date.
func (e *Engine) merge(ctx context.Context, dataset, instrumentID string, fresh []models.SignalPoint) ([]models.SignalPoint, error) {
	byDate := make(map[time.Time]models.SignalPoint)

	existing, err := e.derived.ReadSignals(ctx, dataset, instrumentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read %s for %s: %w", dataset, instrumentID, err)
	default:
		for _, p := range existing.Rows {
			byDate[models.TruncateDay(p.Date)] = p
		}
	}

	for _, p := range fresh {
		byDate[p.Date] = p
	}

	out := make([]models.SignalPoint, 0, len(byDate))
	for _, p := range byDate {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Rebuild computes every signal over the instrument's full history and
// replaces each derived partition. It is used to seed derived datasets.
func (e *Engine) Rebuild(ctx context.Context, instrumentID string, version models.Version) error {
	partition, err := e.bars.ReadBars(ctx, instrumentID)
	if err != nil {
		return fmt.Errorf("read bars for %s: %w", instrumentID, err)
	}
	for _, signal := range e.signals {
		rows := signal.Compute(partition.Rows)
		if err := e.derived.ReplaceSignals(ctx, signal.Name(), instrumentID, rows, version); err != nil {
			return fmt.Errorf("write %s for %s: %w", signal.Name(), instrumentID, err)
		}
	}
	return nil
}
