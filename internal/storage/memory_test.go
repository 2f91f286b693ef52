package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// createTestBars builds one bar per day from start with the given closes.
func createTestBars(instrumentID string, start time.Time, closes ...float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			InstrumentID: instrumentID,
			Date:         start.AddDate(0, 0, i),
			Open:         c,
			High:         c * 1.01,
			Low:          c * 0.99,
			Close:        c,
			Volume:       1000 + float64(i),
		}
	}
	return bars
}

func testEvent(instrumentID string, date time.Time, ratio float64) *models.CorporateActionEvent {
	e := models.NewEvent(models.SpikeCandidate{
		InstrumentID: instrumentID,
		Date:         date,
		Method:       models.MethodLimitBreach,
		DailyReturn:  -0.5,
	})
	e.InferredRatio = ratio
	e.EventType = models.EventTypeSplit
	e.Confidence = 1
	e.Status = models.StatusConfirmed
	return e
}

func TestMemoryStorage_AppendAndRead(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))

	bars := createTestBars("VNM", testStart, 100, 101, 102)
	require.NoError(t, store.AppendBars(ctx, "VNM", bars[:2]))
	require.NoError(t, store.AppendBars(ctx, "VNM", bars[2:]))

	p, err := store.ReadBars(ctx, "VNM")
	require.NoError(t, err)
	assert.Len(t, p.Rows, 3)
	assert.Equal(t, models.Version(0), p.Version)
	assert.Equal(t, 102.0, p.Rows[2].Close)

	t.Run("rejects rewriting history", func(t *testing.T) {
		err := store.AppendBars(ctx, "VNM", bars[1:2])
		var se *StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "insert", se.Operation)
	})

	t.Run("rejects unordered batch", func(t *testing.T) {
		later := createTestBars("VNM", testStart.AddDate(0, 0, 10), 1, 2)
		later[0], later[1] = later[1], later[0]
		assert.Error(t, store.AppendBars(ctx, "VNM", later))
	})

	t.Run("missing instrument", func(t *testing.T) {
		_, err := store.ReadBars(ctx, "FPT")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reads are copies", func(t *testing.T) {
		p.Rows[0].Close = -1
		again, err := store.ReadBars(ctx, "VNM")
		require.NoError(t, err)
		assert.Equal(t, 100.0, again.Rows[0].Close)
	})
}

func TestMemoryStorage_ReplaceBars(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.AppendBars(ctx, "VNM", createTestBars("VNM", testStart, 100, 50)))
	require.NoError(t, store.ReplaceBars(ctx, "VNM", createTestBars("VNM", testStart, 50, 50), 7))

	p, err := store.ReadBars(ctx, "VNM")
	require.NoError(t, err)
	assert.Equal(t, models.Version(7), p.Version)
	assert.True(t, p.Reflects(7))
	assert.False(t, p.Reflects(8))
	assert.Equal(t, 50.0, p.Rows[0].Close)

	// appends keep the partition version
	require.NoError(t, store.AppendBars(ctx, "VNM", createTestBars("VNM", testStart.AddDate(0, 0, 2), 51)))
	p, err = store.ReadBars(ctx, "VNM")
	require.NoError(t, err)
	assert.Equal(t, models.Version(7), p.Version)
	assert.Len(t, p.Rows, 3)
}

func TestMemoryStorage_FailWrites(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	original := createTestBars("VNM", testStart, 100, 50)
	require.NoError(t, store.AppendBars(ctx, "VNM", original))

	store.FailWrites(models.BarsDataset, "VNM", errors.New("disk full"))
	err := store.ReplaceBars(ctx, "VNM", createTestBars("VNM", testStart, 50, 50), 1)

	var pwe *apperrors.PartitionWriteError
	require.ErrorAs(t, err, &pwe)
	assert.Equal(t, "stage", pwe.Phase)

	p, err := store.ReadBars(ctx, "VNM")
	require.NoError(t, err)
	assert.Equal(t, original[0].Close, p.Rows[0].Close, "failed write leaves the partition untouched")

	store.FailWrites(models.BarsDataset, "VNM", nil)
	assert.NoError(t, store.ReplaceBars(ctx, "VNM", createTestBars("VNM", testStart, 50, 50), 1))
}

func TestMemoryStorage_Signals(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	_, err := store.ReadSignals(ctx, "sma_20", "VNM")
	assert.ErrorIs(t, err, ErrNotFound)

	rows := []models.SignalPoint{
		{InstrumentID: "VNM", Date: testStart.Add(5 * time.Hour), Value: 1.5},
	}
	require.NoError(t, store.ReplaceSignals(ctx, "sma_20", "VNM", rows, 3))

	p, err := store.ReadSignals(ctx, "sma_20", "VNM")
	require.NoError(t, err)
	assert.Equal(t, models.Version(3), p.Version)
	assert.Equal(t, testStart, p.Rows[0].Date)
}

func TestMemoryStorage_Registry(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	e := testEvent("VNM", testStart, 2)
	entry := models.NewRegistryEntry(e, 1)

	ok, err := store.Contains(ctx, e.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Append(ctx, entry))

	ok, err = store.Contains(ctx, e.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.Append(ctx, entry)
	assert.True(t, apperrors.IsDuplicate(err))

	// a different ratio on the same day is a distinct correction
	require.NoError(t, store.Append(ctx, models.NewRegistryEntry(testEvent("VNM", testStart, 3), 2)))
	require.NoError(t, store.Append(ctx, models.NewRegistryEntry(testEvent("FPT", testStart, 2), 3)))

	entries, err := store.ListEntries(ctx, "VNM")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := store.ListEntries(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "FPT", all[0].InstrumentID)
}

func TestMemoryStorage_Events(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	a := testEvent("VNM", testStart.AddDate(0, 0, 5), 2)
	b := testEvent("VNM", testStart, 5)
	b.Status = models.StatusPendingReview
	c := testEvent("FPT", testStart, 2)
	for _, e := range []*models.CorporateActionEvent{a, b, c} {
		require.NoError(t, store.SaveEvent(ctx, e))
	}
	assert.Error(t, store.SaveEvent(ctx, &models.CorporateActionEvent{}))

	got, err := store.GetEvent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.InstrumentID, got.InstrumentID)

	_, err = store.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := store.FindEvent(ctx, "VNM", testStart.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{name: "all", filter: EventFilter{}, want: []string{c.ID, b.ID, a.ID}},
		{name: "instrument", filter: EventFilter{InstrumentID: "VNM"}, want: []string{b.ID, a.ID}},
		{name: "status", filter: EventFilter{Status: models.StatusPendingReview}, want: []string{b.ID}},
		{name: "stage", filter: EventFilter{Stages: []models.Stage{models.StageCommitted}}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ListEvents(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, e := range events {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStorage_VersionLedger(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Version(0), latest)

	v1, err := store.Reserve(ctx, "VNM")
	require.NoError(t, err)
	v2, err := store.Reserve(ctx, "FPT")
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	require.NoError(t, store.Commit(ctx, v2))
	latest, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2, latest)

	for v, want := range map[models.Version]bool{0: true, v1: false, v2: true, 99: false} {
		ok, err := store.Committed(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, want, ok, v.String())
	}

	assert.Error(t, store.Commit(ctx, 99))
}

func TestMemoryStorage_ConcurrentOperations(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	const numGoroutines = 10
	var wg sync.WaitGroup
	versions := make(chan models.Version, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			instrument := fmt.Sprintf("I%02d", id)
			assert.NoError(t, store.AppendBars(ctx, instrument, createTestBars(instrument, testStart, 10, 11)))
			v, err := store.Reserve(ctx, instrument)
			assert.NoError(t, err)
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[models.Version]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %s reserved twice", v)
		seen[v] = true
	}

	instruments, err := store.ListInstruments(ctx)
	require.NoError(t, err)
	assert.Len(t, instruments, numGoroutines)
	assert.Equal(t, "I00", instruments[0])
}

func TestMemoryStorage_Closed(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Close())

	assert.Error(t, store.HealthCheck(ctx))
	assert.Error(t, store.AppendBars(ctx, "VNM", createTestBars("VNM", testStart, 1)))
}
