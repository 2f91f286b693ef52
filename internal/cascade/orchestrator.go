// Package cascade sequences detection, classification, correction and
// recalculation across instruments and commits consistency versions.
//
// Every event moves through DETECTED → CLASSIFIED → CONFIRMED → CORRECTED →
// RECOMPUTED → COMMITTED, or ends REJECTED. The stage is saved after every
// transition, so a failed or interrupted Apply leaves each event at its last
// completed stage and the next Apply resumes from there. Instruments are
// independent: one instrument's failure is reported in the batch summary
// and never stops the others.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-corpaction-engine/internal/classifier"
	"github.com/johnayoung/go-corpaction-engine/internal/corrector"
	"github.com/johnayoung/go-corpaction-engine/internal/detector"
	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	applog "github.com/johnayoung/go-corpaction-engine/internal/logger"
	"github.com/johnayoung/go-corpaction-engine/internal/metrics"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/recalc"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

// ErrVersionAhead is returned by the versioned reads when the partition was
// written after the reader's version token was taken, or under a version
// that was never committed.
var ErrVersionAhead = errors.New("partition is ahead of version token")

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.BarStore
	storage.DerivedStore
	storage.Registry
	storage.EventStore
	storage.VersionLedger
}

// Config controls batch parallelism.
type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
	// RatePerSecond throttles how fast instrument pipelines start. Zero
	// disables throttling.
	RatePerSecond   float64       `json:"rate_per_second"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Workers:         4,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Orchestrator runs scan and apply batches.
type Orchestrator struct {
	store      Store
	detector   *detector.Detector
	classifier *classifier.Classifier
	applier    *corrector.Applier
	engine     *recalc.Engine
	recorder   *metrics.Recorder
	config     *Config
	logger     *slog.Logger

	// applyMu serializes Apply batches within the process.
	applyMu sync.Mutex
}

// NewOrchestrator wires the stages together. recorder may be nil.
func NewOrchestrator(store Store, det *detector.Detector, cls *classifier.Classifier, applier *corrector.Applier,
	engine *recalc.Engine, recorder *metrics.Recorder, config *Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = NewConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Orchestrator{
		store:      store,
		detector:   det,
		classifier: cls,
		applier:    applier,
		engine:     engine,
		recorder:   recorder,
		config:     config,
		logger:     logger.With("component", "cascade_orchestrator"),
	}
}

// Scan detects and classifies spikes for the given instruments, or for
// every stored instrument when none are given, and saves the resulting
// events. It never writes a bar or derived partition.
//
// Events are upserted by (instrument, date). A PENDING_REVIEW event is
// refreshed with the new classification; an event that was already
// confirmed, rejected or committed keeps its decision and stage.
func (o *Orchestrator) Scan(ctx context.Context, instruments []string) (*BatchSummary, error) {
	ctx, runID := applog.NewRunContext(ctx)
	summary := &BatchSummary{RunID: runID, Operation: "scan", StartedAt: time.Now()}

	if len(instruments) == 0 {
		var err error
		if instruments, err = o.store.ListInstruments(ctx); err != nil {
			return nil, fmt.Errorf("list instruments: %w", err)
		}
	}
	summary.Instruments = len(instruments)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)
	for _, id := range instruments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			partial := o.scanInstrument(applog.WithInstrument(gctx, id), id)

			mu.Lock()
			defer mu.Unlock()
			summary.merge(partial)
			return nil
		})
	}
	err := g.Wait()

	o.finish(ctx, summary)
	return summary, err
}

func (o *Orchestrator) scanInstrument(ctx context.Context, instrumentID string) *BatchSummary {
	logger := applog.FromContext(ctx, o.logger)
	partial := &BatchSummary{}

	partition, err := o.store.ReadBars(ctx, instrumentID)
	if err != nil {
		partial.addFailure(Failure{InstrumentID: instrumentID, Operation: "read_bars", Error: err.Error()})
		return partial
	}

	start := time.Now()
	report, err := o.detector.ScanBars(ctx, instrumentID, partition.Rows)
	o.recorder.ObserveStage("detect", time.Since(start))
	if err != nil {
		partial.addFailure(Failure{InstrumentID: instrumentID, Operation: "detect", Error: err.Error()})
		return partial
	}

	partial.Gaps = len(report.Gaps)
	o.recorder.RecordGaps(len(report.Gaps))
	for _, gap := range report.Gaps {
		logger.Warn("skipped bar without baseline", "date", gap.Date.Format(models.DateLayout), "reason", gap.Reason)
	}

	for _, candidate := range report.Candidates {
		partial.Detected++
		o.recorder.RecordCandidate(candidate.Method)

		event, err := o.classifier.Classify(ctx, candidate, partition.Rows)
		if err != nil && !apperrors.IsAmbiguous(err) {
			partial.addFailure(Failure{
				InstrumentID: instrumentID,
				Stage:        models.StageDetected,
				Operation:    "classify",
				Error:        err.Error(),
			})
			continue
		}
		if err != nil {
			logger.Info("candidate needs review", "date", candidate.Date.Format(models.DateLayout), "reason", err.Error())
		}

		saved, err := o.upsert(ctx, event)
		if err != nil {
			partial.addFailure(Failure{
				InstrumentID: instrumentID,
				EventID:      event.ID,
				Stage:        event.Stage,
				Operation:    "save_event",
				Error:        err.Error(),
			})
			continue
		}

		o.recorder.RecordEvent(saved.EventType, saved.Status)
		switch {
		case saved.Status == models.StatusPendingReview:
			partial.PendingReview++
		case saved.Status == models.StatusConfirmed && event.Status == models.StatusConfirmed:
			partial.AutoConfirmed++
		}
		partial.Events = append(partial.Events, *saved)
	}

	logger.Debug("scanned instrument",
		"venue", report.Venue,
		"bars", report.BarsScanned,
		"candidates", len(report.Candidates),
		"gaps", len(report.Gaps))
	return partial
}

// upsert saves a freshly classified event unless an event for the same day
// already carries a decision, in which case the stored event is returned.
func (o *Orchestrator) upsert(ctx context.Context, event *models.CorporateActionEvent) (*models.CorporateActionEvent, error) {
	existing, err := o.store.FindEvent(ctx, event.InstrumentID, event.EventDate)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return event, o.store.SaveEvent(ctx, event)
	case err != nil:
		return nil, err
	}

	if existing.Status != models.StatusPendingReview {
		return existing, nil
	}

	event.ID = existing.ID
	event.CreatedAt = existing.CreatedAt
	event.Note = existing.Note
	return event, o.store.SaveEvent(ctx, event)
}

// Apply runs every CONFIRMED event that has not been committed through
// correction, recomputation and commit. Instruments run concurrently on the
// worker pool; the events of one instrument run in date order under a
// single reserved version, which is committed once all of them are
// recomputed.
//
// When ctx is canceled no further instruments start and running ones stop
// at their next stage boundary; the summary is returned with ctx's error.
func (o *Orchestrator) Apply(ctx context.Context) (*BatchSummary, error) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	ctx, runID := applog.NewRunContext(ctx)
	summary := &BatchSummary{RunID: runID, Operation: "apply", StartedAt: time.Now()}

	confirmed, err := o.store.ListEvents(ctx, storage.EventFilter{Status: models.StatusConfirmed})
	if err != nil {
		return nil, fmt.Errorf("list confirmed events: %w", err)
	}
	pending, err := o.store.ListEvents(ctx, storage.EventFilter{Status: models.StatusPendingReview})
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	summary.PendingReview = len(pending)

	var order []string
	byInstrument := make(map[string][]*models.CorporateActionEvent)
	for i := range confirmed {
		event := &confirmed[i]
		if event.Stage == models.StageCommitted {
			continue
		}
		if _, ok := byInstrument[event.InstrumentID]; !ok {
			order = append(order, event.InstrumentID)
		}
		byInstrument[event.InstrumentID] = append(byInstrument[event.InstrumentID], event)
	}
	summary.Instruments = len(order)

	if len(order) == 0 {
		o.finish(ctx, summary)
		return summary, nil
	}

	var limiter *rate.Limiter
	if o.config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.config.RatePerSecond), 1)
	}
	pool := NewWorkerPool(o.config.Workers, o.config.QueueSize, limiter, o.logger)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range order {
		events := byInstrument[id]
		var ran bool

		job := &WorkerJob{
			InstrumentID: id,
			Run: func(jctx context.Context) error {
				ran = true
				applied, failure := o.runInstrument(applog.WithInstrument(jctx, id), id, events)

				mu.Lock()
				defer mu.Unlock()
				summary.Applied += applied
				if failure != nil {
					summary.addFailure(*failure)
					return errors.New(failure.Error)
				}
				return nil
			},
		}

		wg.Add(1)
		pool.Submit(ctx, job, func(err error) {
			defer wg.Done()
			if err == nil || ran {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			summary.addFailure(Failure{
				InstrumentID: id,
				EventID:      events[0].ID,
				Stage:        events[0].Stage,
				Operation:    "dispatch",
				Error:        err.Error(),
			})
		})
	}
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ShutdownTimeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		o.logger.Warn("worker pool did not stop cleanly", "error", err)
	}

	o.finish(ctx, summary)
	return summary, ctx.Err()
}

// runInstrument takes one instrument's events to COMMITTED. It returns the
// number of events committed and, on failure, where it stopped.
func (o *Orchestrator) runInstrument(ctx context.Context, instrumentID string, events []*models.CorporateActionEvent) (int, *Failure) {
	logger := applog.FromContext(ctx, o.logger)

	version, err := o.store.Reserve(ctx, instrumentID)
	if err != nil {
		return 0, o.fail(ctx, events[0], "reserve", err)
	}
	logger.Debug("reserved version", "version", version.String(), "events", len(events))

	for _, event := range events {
		if op, err := o.advance(applog.WithEventID(ctx, event.ID), event, version); err != nil {
			return 0, o.fail(ctx, event, op, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, o.fail(ctx, events[0], "commit", err)
	}
	if err := o.settle(ctx, instrumentID, version); err != nil {
		return 0, o.fail(ctx, events[0], "settle", err)
	}
	start := time.Now()
	if err := o.store.Commit(ctx, version); err != nil {
		return 0, o.fail(ctx, events[0], "commit", err)
	}
	o.recorder.ObserveStage("commit", time.Since(start))

	for _, event := range events {
		if err := event.Advance(models.StageCommitted); err != nil {
			return 0, o.fail(ctx, event, "commit", err)
		}
		if err := o.store.SaveEvent(ctx, event); err != nil {
			return 0, o.fail(ctx, event, "save_event", err)
		}
	}

	logger.Info("committed corrections", "version", version.String(), "events", len(events))
	return len(events), nil
}

// advance moves one event from its current stage up to RECOMPUTED, saving
// the event after each transition. It returns the failed operation.
func (o *Orchestrator) advance(ctx context.Context, event *models.CorporateActionEvent, version models.Version) (string, error) {
	for event.Stage != models.StageRecomputed {
		if err := ctx.Err(); err != nil {
			return "advance", err
		}

		switch event.Stage {
		case models.StageConfirmed:
			start := time.Now()
			result, err := o.applier.Apply(ctx, event, version)
			o.recorder.ObserveStage("correct", time.Since(start))
			if err != nil {
				return "correct", err
			}

			skipRecompute := false
			switch {
			case result.Duplicate:
				o.recorder.RecordCorrection("duplicate")
				if skipRecompute, err = o.derivedCurrent(ctx, event.InstrumentID, result.Version); err != nil {
					return "correct", err
				}
			case result.Resumed:
				o.recorder.RecordCorrection("resumed")
			default:
				o.recorder.RecordCorrection("applied")
			}

			if err := o.transition(ctx, event, models.StageCorrected); err != nil {
				return "save_event", err
			}
			if skipRecompute {
				if err := o.transition(ctx, event, models.StageRecomputed); err != nil {
					return "save_event", err
				}
			}

		case models.StageCorrected:
			start := time.Now()
			_, err := o.engine.Recompute(ctx, o.engine.Task(event.InstrumentID, event.EventDate), version)
			o.recorder.ObserveStage("recompute", time.Since(start))
			if err != nil {
				return "recompute", err
			}
			if err := o.transition(ctx, event, models.StageRecomputed); err != nil {
				return "save_event", err
			}

		default:
			return "advance", fmt.Errorf("%w: event %s cannot be applied from stage %s", models.ErrInvalidTransition, event.ID, event.Stage)
		}
	}
	return "", nil
}

func (o *Orchestrator) transition(ctx context.Context, event *models.CorporateActionEvent, to models.Stage) error {
	if err := event.Advance(to); err != nil {
		return err
	}
	return o.store.SaveEvent(ctx, event)
}

// settle restamps with version every partition of the instrument that an
// earlier failed run left under a version that never committed, so that
// committing version leaves nothing of the instrument hidden.
func (o *Orchestrator) settle(ctx context.Context, instrumentID string, version models.Version) error {
	bars, err := o.store.ReadBars(ctx, instrumentID)
	if err != nil {
		return err
	}
	if stale, err := o.stale(ctx, bars.Version, version); err != nil {
		return err
	} else if stale {
		if err := o.store.ReplaceBars(ctx, instrumentID, bars.Rows, version); err != nil {
			return fmt.Errorf("restamp bars for %s: %w", instrumentID, err)
		}
	}

	for _, signal := range o.engine.Signals() {
		partition, err := o.store.ReadSignals(ctx, signal.Name(), instrumentID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		stale, err := o.stale(ctx, partition.Version, version)
		if err != nil {
			return err
		}
		if !stale {
			continue
		}
		if err := o.store.ReplaceSignals(ctx, signal.Name(), instrumentID, partition.Rows, version); err != nil {
			return fmt.Errorf("restamp %s for %s: %w", signal.Name(), instrumentID, err)
		}
	}
	return nil
}

// stale reports whether v is neither the version being committed nor an
// already committed one.
func (o *Orchestrator) stale(ctx context.Context, v, current models.Version) (bool, error) {
	if v == current {
		return false, nil
	}
	committed, err := o.store.Committed(ctx, v)
	return !committed, err
}

// derivedCurrent reports whether every derived partition of the instrument
// was written at or after v.
func (o *Orchestrator) derivedCurrent(ctx context.Context, instrumentID string, v models.Version) (bool, error) {
	for _, signal := range o.engine.Signals() {
		partition, err := o.store.ReadSignals(ctx, signal.Name(), instrumentID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !partition.Reflects(v) {
			return false, nil
		}
	}
	return true, nil
}

// fail records err on the event and builds the summary entry.
func (o *Orchestrator) fail(ctx context.Context, event *models.CorporateActionEvent, operation string, err error) *Failure {
	event.LastError = fmt.Sprintf("%s: %v", operation, err)
	event.UpdatedAt = time.Now().UTC()
	if saveErr := o.store.SaveEvent(context.WithoutCancel(ctx), event); saveErr != nil {
		o.logger.Error("failed to record event error", "event_id", event.ID, "error", saveErr)
	}

	o.recorder.RecordFailure(operation)
	applog.FromContext(ctx, o.logger).Error("instrument pipeline failed",
		"event_id", event.ID,
		"stage", event.Stage,
		"operation", operation,
		"error_type", apperrors.GetErrorType(err),
		"error", err)

	return &Failure{
		InstrumentID: event.InstrumentID,
		EventID:      event.ID,
		Stage:        event.Stage,
		Operation:    operation,
		Error:        err.Error(),
	}
}

func (o *Orchestrator) finish(ctx context.Context, summary *BatchSummary) {
	if latest, err := o.store.Latest(context.WithoutCancel(ctx)); err == nil {
		summary.Version = latest
		o.recorder.SetVersion(latest)
	}
	summary.finish()
	o.recorder.ObserveBatch(summary.Operation, summary.Duration, summary.Failed > 0)

	o.logger.Info("batch finished",
		"run_id", summary.RunID,
		"operation", summary.Operation,
		"status", summary.Status,
		"instruments", summary.Instruments,
		"detected", summary.Detected,
		"auto_confirmed", summary.AutoConfirmed,
		"pending_review", summary.PendingReview,
		"applied", summary.Applied,
		"failed", summary.Failed,
		"version", summary.Version.String(),
		"duration", summary.Duration)
}

// Confirm confirms a PENDING_REVIEW event so the next Apply picks it up.
func (o *Orchestrator) Confirm(ctx context.Context, eventID string) (*models.CorporateActionEvent, error) {
	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event.Status != models.StatusPendingReview {
		return nil, fmt.Errorf("event %s is %s, only %s events can be confirmed", eventID, event.Status, models.StatusPendingReview)
	}
	if err := event.Confirm(); err != nil {
		return nil, err
	}
	if err := o.store.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("save event %s: %w", eventID, err)
	}
	o.logger.Info("event confirmed", "event_id", eventID, "instrument", event.InstrumentID,
		"date", event.EventDate.Format(models.DateLayout), "ratio", event.InferredRatio)
	return event, nil
}

// Reject rejects a PENDING_REVIEW event. Rejected events are never applied
// and are not reopened by later scans.
func (o *Orchestrator) Reject(ctx context.Context, eventID, reason string) (*models.CorporateActionEvent, error) {
	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if err := event.Reject(reason); err != nil {
		return nil, err
	}
	if err := o.store.SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("save event %s: %w", eventID, err)
	}
	o.logger.Info("event rejected", "event_id", eventID, "instrument", event.InstrumentID, "reason", reason)
	return event, nil
}

// Events lists stored events.
func (o *Orchestrator) Events(ctx context.Context, filter storage.EventFilter) ([]models.CorporateActionEvent, error) {
	return o.store.ListEvents(ctx, filter)
}

// Latest returns the latest committed version token.
func (o *Orchestrator) Latest(ctx context.Context) (models.Version, error) {
	return o.store.Latest(ctx)
}

// ReadBars returns the instrument's bars as seen by a reader holding token.
// When the partition was written after token, or by a cascade that has not
// committed, the partition is returned together with ErrVersionAhead.
func (o *Orchestrator) ReadBars(ctx context.Context, instrumentID string, token models.Version) (*models.BarPartition, error) {
	partition, err := o.store.ReadBars(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return partition, o.checkToken(ctx, models.BarsDataset, instrumentID, partition.Version, token)
}

// ReadSignals is the derived-dataset counterpart of ReadBars.
func (o *Orchestrator) ReadSignals(ctx context.Context, dataset, instrumentID string, token models.Version) (*models.SignalPartition, error) {
	partition, err := o.store.ReadSignals(ctx, dataset, instrumentID)
	if err != nil {
		return nil, err
	}
	return partition, o.checkToken(ctx, dataset, instrumentID, partition.Version, token)
}

func (o *Orchestrator) checkToken(ctx context.Context, dataset, instrumentID string, v, token models.Version) error {
	if v > token {
		return fmt.Errorf("%w: %s/%s at %s, token %s", ErrVersionAhead, dataset, instrumentID, v, token)
	}
	committed, err := o.store.Committed(ctx, v)
	if err != nil {
		return err
	}
	if !committed {
		return fmt.Errorf("%w: %s/%s at uncommitted %s", ErrVersionAhead, dataset, instrumentID, v)
	}
	return nil
}
