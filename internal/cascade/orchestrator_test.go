package cascade

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-corpaction-engine/internal/classifier"
	"github.com/johnayoung/go-corpaction-engine/internal/config"
	"github.com/johnayoung/go-corpaction-engine/internal/corrector"
	"github.com/johnayoung/go-corpaction-engine/internal/detector"
	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/limits"
	"github.com/johnayoung/go-corpaction-engine/internal/metrics"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/recalc"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

const (
	quietDays = 240
	afterDays = 60
)

// scenarioBars returns quietDays bars of bounded oscillating returns ending
// at a close of 100,000, then a day closing at 21,277 on five times the
// usual volume, then afterDays more quiet bars.
func scenarioBars(id string) []models.Bar {
	closes := make([]float64, 0, quietDays+1+afterDays)
	c := 1.0
	for i := 0; i < quietDays; i++ {
		if i > 0 {
			c *= 1 + 0.015*math.Sin(1.3*float64(i))
		}
		closes = append(closes, c)
	}
	scale := 100000 / closes[len(closes)-1]
	for i := range closes {
		closes[i] *= scale
	}
	closes = append(closes, 21277)
	c = 21277
	for i := quietDays + 1; i < quietDays+1+afterDays; i++ {
		c *= 1 + 0.015*math.Sin(1.3*float64(i))
		closes = append(closes, c)
	}

	bars := make([]models.Bar, len(closes))
	for i, cl := range closes {
		volume := 1000.0
		if i == quietDays {
			volume = 5000
		}
		bars[i] = models.Bar{
			InstrumentID: id,
			Date:         day0.AddDate(0, 0, i),
			Open:         cl, High: cl * 1.005, Low: cl * 0.995, Close: cl,
			Volume: volume,
		}
	}
	return bars
}

func eventDate() time.Time {
	return day0.AddDate(0, 0, quietDays)
}

type harness struct {
	store  Store
	engine *recalc.Engine
	orch   *Orchestrator
}

func newHarness(t testing.TB, store Store) *harness {
	t.Helper()
	return newHarnessWith(t, store, &Config{Workers: 2, QueueSize: 4, ShutdownTimeout: time.Second})
}

func newHarnessWith(t testing.TB, store Store, cfg *Config) *harness {
	t.Helper()
	table := limits.DefaultTable()
	engine := recalc.NewEngine(store, store, nil, 0, nil)
	retrier := apperrors.NewErrorClassifier(config.RetryPolicyConfig{
		MaxAttempts:     2,
		InitialDelay:    "1ms",
		MaxDelay:        "1ms",
		BackoffStrategy: "fixed",
	}, nil)

	orch := NewOrchestrator(
		store,
		detector.NewDetector(store, table, nil, nil),
		classifier.NewClassifier(nil, nil, nil),
		corrector.NewApplier(store, store, store, engine, retrier, nil),
		engine,
		metrics.New("test"),
		cfg,
		nil,
	)
	return &harness{store: store, engine: engine, orch: orch}
}

// seed loads bars and builds the derived datasets for each instrument.
func (h *harness) seed(t *testing.T, bars ...[]models.Bar) {
	t.Helper()
	ctx := context.Background()
	for _, series := range bars {
		id := series[0].InstrumentID
		require.NoError(t, h.store.AppendBars(ctx, id, series))
		require.NoError(t, h.engine.Rebuild(ctx, id, 0))
	}
}

func (h *harness) signals(t *testing.T, id string) map[string]*models.SignalPartition {
	t.Helper()
	out := make(map[string]*models.SignalPartition)
	for _, s := range h.engine.Signals() {
		p, err := h.store.ReadSignals(context.Background(), s.Name(), id)
		require.NoError(t, err)
		out[s.Name()] = p
	}
	return out
}

func TestOrchestrator_ScenarioSplitEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)
	bars := scenarioBars("X")
	h.seed(t, bars)
	before := h.signals(t, "X")

	scan, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, scan.Instruments)
	assert.Equal(t, 1, scan.Detected)
	assert.Equal(t, 1, scan.AutoConfirmed)
	assert.Zero(t, scan.PendingReview)
	assert.Equal(t, StatusReadyToApply, scan.Status)
	assert.Equal(t, ExitSuccess, scan.Status.ExitCode())
	require.Len(t, scan.Events, 1)

	event := scan.Events[0]
	assert.Equal(t, eventDate(), event.EventDate)
	assert.Equal(t, models.EventTypeSplit, event.EventType)
	assert.Equal(t, 5.0, event.InferredRatio)
	assert.Equal(t, models.StatusConfirmed, event.Status)
	assert.Equal(t, models.MethodLimitBreach, event.Method)

	// scan mutates no partitions
	untouched, err := store.ReadBars(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, bars, untouched.Rows)

	applied, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, applied.Status)
	assert.Equal(t, 1, applied.Applied)
	assert.Zero(t, applied.Failed)
	assert.Equal(t, models.Version(1), applied.Version)

	stored, err := store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCommitted, stored.Stage)
	assert.Empty(t, stored.LastError)

	corrected, err := store.ReadBars(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, models.Version(1), corrected.Version)
	for i := range bars {
		if i < quietDays {
			assert.InDelta(t, bars[i].Close/5, corrected.Rows[i].Close, 1e-6)
			assert.InDelta(t, bars[i].Volume*5, corrected.Rows[i].Volume, 1e-9)
		} else {
			assert.Equal(t, bars[i], corrected.Rows[i])
		}
	}

	after := h.signals(t, "X")
	for name, partition := range after {
		assert.Equal(t, models.Version(1), partition.Version, name)

		signal, err := recalc.SignalsByName([]string{name})
		require.NoError(t, err)
		expected := make(map[time.Time]float64)
		for _, p := range signal[0].Compute(corrected.Rows) {
			expected[p.Date] = p.Value
		}

		prior := make(map[time.Time]float64)
		for _, p := range before[name].Rows {
			prior[p.Date] = p.Value
		}

		for _, row := range partition.Rows {
			if row.Date.Before(eventDate()) {
				assert.Equal(t, prior[row.Date], row.Value, "%s row %s must be untouched", name, row.Date)
				continue
			}
			assert.InDelta(t, expected[row.Date], row.Value, 1e-9, "%s on %s", name, row.Date.Format(models.DateLayout))
		}
	}

	entries, err := store.ListEntries(ctx, "X")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "5.000000", entries[0].InferredRatio)
}

func TestOrchestrator_RepeatedApplyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)
	h.seed(t, scenarioBars("X"))

	_, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)
	_, err = h.orch.Apply(ctx)
	require.NoError(t, err)

	bars, err := store.ReadBars(ctx, "X")
	require.NoError(t, err)
	signals := h.signals(t, "X")

	// a rescan finds the corrected day again but never reopens it
	rescan, err := h.orch.Scan(ctx, []string{"X"})
	require.NoError(t, err)
	assert.Zero(t, rescan.PendingReview)
	events, err := store.ListEvents(ctx, storage.EventFilter{InstrumentID: "X"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.StageCommitted, events[0].Stage)

	second, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Applied)
	assert.Equal(t, StatusNoAnomalies, second.Status)

	// the same confirmed event handed to the cascade again
	replay := events[0]
	replay.Stage = models.StageConfirmed
	require.NoError(t, store.SaveEvent(ctx, &replay))

	third, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Applied)

	barsAgain, err := store.ReadBars(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, bars, barsAgain)
	assert.Equal(t, signals, h.signals(t, "X"))

	entries, err := store.ListEntries(ctx, "X")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOrchestrator_RepeatedApplyIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.NewDuckDBStorage(filepath.Join(dir, "catalog.duckdb"), dir, nil)
	require.NoError(t, err)
	require.NoError(t, db.Initialize(ctx))
	t.Cleanup(func() { db.Close() })

	h := newHarness(t, db)
	h.seed(t, scenarioBars("X"))

	_, err = h.orch.Scan(ctx, nil)
	require.NoError(t, err)
	first, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Applied)

	snapshot := func() map[string][]byte {
		files := map[string][]byte{}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || filepath.Ext(path) != ".parquet" {
				return err
			}
			data, err := os.ReadFile(path)
			files[path] = data
			return err
		})
		require.NoError(t, err)
		return files
	}
	once := snapshot()
	require.Len(t, once, 1+len(h.engine.Signals()))

	events, err := db.ListEvents(ctx, storage.EventFilter{InstrumentID: "X"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	replay := events[0]
	replay.Stage = models.StageConfirmed
	require.NoError(t, db.SaveEvent(ctx, &replay))

	_, err = h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, snapshot())
}

func TestOrchestrator_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)
	barsA, barsB := scenarioBars("A"), scenarioBars("B")
	h.seed(t, barsA, barsB)

	_, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)

	store.FailWrites(models.BarsDataset, "B", errors.New("staging volume full"))
	summary, err := h.orch.Apply(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusPartialFailure, summary.Status)
	assert.Equal(t, ExitPartialFailure, summary.Status.ExitCode())
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "B", summary.Failures[0].InstrumentID)
	assert.Equal(t, models.StageConfirmed, summary.Failures[0].Stage)
	assert.Equal(t, "correct", summary.Failures[0].Operation)

	eventA, err := store.FindEvent(ctx, "A", eventDate())
	require.NoError(t, err)
	assert.Equal(t, models.StageCommitted, eventA.Stage)
	okA, err := store.Contains(ctx, eventA.Key())
	require.NoError(t, err)
	assert.True(t, okA)

	eventB, err := store.FindEvent(ctx, "B", eventDate())
	require.NoError(t, err)
	assert.Equal(t, models.StageConfirmed, eventB.Stage)
	assert.Contains(t, eventB.LastError, "staging volume full")
	okB, err := store.Contains(ctx, eventB.Key())
	require.NoError(t, err)
	assert.False(t, okB)

	partitionB, err := store.ReadBars(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, barsB, partitionB.Rows)
	assert.Equal(t, models.Version(0), partitionB.Version)

	partitionA, err := store.ReadBars(ctx, "A")
	require.NoError(t, err)
	versionA := partitionA.Version

	// the retry picks up B only
	store.FailWrites(models.BarsDataset, "B", nil)
	retry, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, retry.Status)
	assert.Equal(t, 1, retry.Instruments)
	assert.Equal(t, 1, retry.Applied)

	partitionA, err = store.ReadBars(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, versionA, partitionA.Version, "A must not be touched again")

	eventB, err = store.FindEvent(ctx, "B", eventDate())
	require.NoError(t, err)
	assert.Equal(t, models.StageCommitted, eventB.Stage)
	assert.Empty(t, eventB.LastError)
}

func TestOrchestrator_ResumesFromLastStage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)
	bars := scenarioBars("X")
	h.seed(t, bars)

	_, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)

	store.FailWrites("sma_50", "X", errors.New("disk error"))
	summary, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, models.StageCorrected, summary.Failures[0].Stage)
	assert.Equal(t, "recompute", summary.Failures[0].Operation)

	latest, err := h.orch.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Version(0), latest, "nothing committed")

	// bars are corrected but not committed, so a reader at the latest
	// token sees they are ahead
	_, err = h.orch.ReadBars(ctx, "X", latest)
	assert.ErrorIs(t, err, ErrVersionAhead)

	store.FailWrites("sma_50", "X", nil)
	summary, err = h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	corrected, err := store.ReadBars(ctx, "X")
	require.NoError(t, err)
	assert.InDelta(t, bars[0].Close/5, corrected.Rows[0].Close, 1e-6, "bars are rescaled exactly once")

	latest, err = h.orch.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Version(2), latest)

	_, err = h.orch.ReadBars(ctx, "X", latest)
	assert.NoError(t, err)
	_, err = h.orch.ReadSignals(ctx, "sma_50", "X", latest)
	assert.NoError(t, err)
	_, err = h.orch.ReadSignals(ctx, "sma_50", "X", latest-1)
	assert.ErrorIs(t, err, ErrVersionAhead)
}

func TestOrchestrator_FailedInstrumentHiddenBesideCommittedOne(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarnessWith(t, store, &Config{Workers: 1, QueueSize: 4, ShutdownTimeout: time.Second})
	barsA, barsB := scenarioBars("A"), scenarioBars("B")
	h.seed(t, barsA, barsB)

	_, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)

	store.FailWrites("sma_50", "A", errors.New("disk error"))
	summary, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, summary.Status)
	assert.Equal(t, 1, summary.Applied)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "A", summary.Failures[0].InstrumentID)
	assert.Equal(t, "recompute", summary.Failures[0].Operation)

	latest, err := h.orch.Latest(ctx)
	require.NoError(t, err)

	// A reserved first and never committed; B committed a later version
	raw, err := store.ReadBars(ctx, "A")
	require.NoError(t, err)
	require.Less(t, uint64(raw.Version), uint64(latest))

	_, err = h.orch.ReadBars(ctx, "A", latest)
	assert.ErrorIs(t, err, ErrVersionAhead, "rescaled bars of A are not committed")
	for _, signal := range h.engine.Signals() {
		partition, err := h.orch.ReadSignals(ctx, signal.Name(), "A", latest)
		if partition.Version == 0 {
			assert.NoError(t, err, signal.Name())
			continue
		}
		assert.ErrorIs(t, err, ErrVersionAhead, signal.Name())
	}

	_, err = h.orch.ReadBars(ctx, "B", latest)
	assert.NoError(t, err)
	for _, signal := range h.engine.Signals() {
		_, err := h.orch.ReadSignals(ctx, signal.Name(), "B", latest)
		assert.NoError(t, err, signal.Name())
	}

	store.FailWrites("sma_50", "A", nil)
	retry, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, retry.Status)

	latest, err = h.orch.Latest(ctx)
	require.NoError(t, err)
	corrected, err := h.orch.ReadBars(ctx, "A", latest)
	require.NoError(t, err)
	assert.Equal(t, latest, corrected.Version)
	assert.InDelta(t, barsA[0].Close/5, corrected.Rows[0].Close, 1e-6)
	for _, signal := range h.engine.Signals() {
		partition, err := h.orch.ReadSignals(ctx, signal.Name(), "A", latest)
		require.NoError(t, err, signal.Name())
		assert.Equal(t, latest, partition.Version, signal.Name())
	}
}

// outageStore fails registry appends while down is set.
type outageStore struct {
	*storage.MemoryStorage
	down bool
}

func (s *outageStore) Append(ctx context.Context, entry models.RegistryEntry) error {
	if s.down {
		return errors.New("registry unavailable")
	}
	return s.MemoryStorage.Append(ctx, entry)
}

func TestOrchestrator_RegistryFailureResumesWithoutRescaling(t *testing.T) {
	ctx := context.Background()
	store := &outageStore{MemoryStorage: storage.NewMemoryStorage(), down: true}
	h := newHarness(t, store)
	bars := scenarioBars("X")
	h.seed(t, bars)

	_, err := h.orch.Scan(ctx, nil)
	require.NoError(t, err)

	summary, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "correct", summary.Failures[0].Operation)
	assert.Equal(t, models.StageConfirmed, summary.Failures[0].Stage)

	latest, err := h.orch.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Version(0), latest)
	_, err = h.orch.ReadBars(ctx, "X", latest)
	assert.ErrorIs(t, err, ErrVersionAhead)

	store.down = false
	retry, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, retry.Status)
	assert.Equal(t, 1, retry.Applied)

	latest, err = h.orch.Latest(ctx)
	require.NoError(t, err)
	corrected, err := h.orch.ReadBars(ctx, "X", latest)
	require.NoError(t, err)
	for i := 0; i < quietDays; i++ {
		assert.InDelta(t, bars[i].Close/5, corrected.Rows[i].Close, 1e-6, "bar %d is rescaled exactly once", i)
	}

	entries, err := store.ListEntries(ctx, "X")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, latest, entries[0].Version)

	event, err := store.FindEvent(ctx, "X", eventDate())
	require.NoError(t, err)
	assert.Equal(t, models.StageCommitted, event.Stage)
}

func pendingEvent(id string, date time.Time) *models.CorporateActionEvent {
	e := models.NewEvent(models.SpikeCandidate{InstrumentID: id, Date: date, Method: models.MethodZScore, DailyReturn: -0.5})
	e.EventType = models.EventTypeSplit
	e.InferredRatio = 2
	e.Confidence = 0.55
	e.Status = models.StatusPendingReview
	return e
}

func TestOrchestrator_ConfirmAndReject(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)

	bars := scenarioBars("P")
	h.seed(t, bars)
	date := bars[100].Date

	confirmMe := pendingEvent("P", date)
	rejectMe := pendingEvent("P", bars[150].Date)
	require.NoError(t, store.SaveEvent(ctx, confirmMe))
	require.NoError(t, store.SaveEvent(ctx, rejectMe))

	summary, err := h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusReviewRequired, summary.Status)
	assert.Equal(t, ExitReviewRequired, summary.Status.ExitCode())
	assert.Equal(t, 2, summary.PendingReview)

	rejected, err := h.orch.Reject(ctx, rejectMe.ID, "dividend announced in cash")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, models.StageRejected, rejected.Stage)

	_, err = h.orch.Confirm(ctx, rejectMe.ID)
	assert.Error(t, err, "rejected events stay rejected")

	confirmed, err := h.orch.Confirm(ctx, confirmMe.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)

	_, err = h.orch.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// a later scan finding the rejected day keeps the veto
	candidate := pendingEvent("P", bars[150].Date)
	saved, err := h.orch.upsert(ctx, candidate)
	require.NoError(t, err)
	assert.Equal(t, rejectMe.ID, saved.ID)
	assert.Equal(t, models.StatusRejected, saved.Status)

	summary, err = h.orch.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	corrected, err := store.ReadBars(ctx, "P")
	require.NoError(t, err)
	assert.InDelta(t, bars[99].Close/2, corrected.Rows[99].Close, 1e-6)
	assert.Equal(t, bars[149].Close, corrected.Rows[149].Close)
}

func TestOrchestrator_UpsertRefreshesPendingEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)

	first := pendingEvent("Q", day0)
	first.Note = "look at the filing"
	require.NoError(t, store.SaveEvent(ctx, first))

	second := pendingEvent("Q", day0)
	second.Confidence = 0.7
	saved, err := h.orch.upsert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, saved.ID)
	assert.Equal(t, 0.7, saved.Confidence)
	assert.Equal(t, "look at the filing", saved.Note)

	events, err := store.ListEvents(ctx, storage.EventFilter{InstrumentID: "Q"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOrchestrator_Canceled(t *testing.T) {
	store := storage.NewMemoryStorage()
	h := newHarness(t, store)
	bars := scenarioBars("X")
	h.seed(t, bars)

	_, err := h.orch.Scan(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.orch.Apply(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Applied)
	assert.Equal(t, StatusPartialFailure, summary.Status)

	partition, err := store.ReadBars(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, bars, partition.Rows)

	event, err := store.FindEvent(context.Background(), "X", eventDate())
	require.NoError(t, err)
	assert.Equal(t, models.StageConfirmed, event.Stage)
}

func TestOrchestrator_ScanReportsMissingInstrument(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStorage())

	summary, err := h.orch.Scan(context.Background(), []string{"NOPE"})
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "read_bars", summary.Failures[0].Operation)
}
