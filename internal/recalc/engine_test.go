package recalc

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

// series returns n bars whose closes follow a smooth deterministic path.
func series(instrumentID string, n int) []models.Bar {
	bars := make([]models.Bar, n)
	c := 100.0
	for i := range bars {
		if i > 0 {
			c *= 1 + 0.012*math.Sin(0.7*float64(i))
		}
		bars[i] = models.Bar{
			InstrumentID: instrumentID,
			Date:         day0.AddDate(0, 0, i),
			Open:         c, High: c * 1.01, Low: c * 0.99, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func closes(values ...float64) []models.Bar {
	bars := make([]models.Bar, len(values))
	for i, v := range values {
		bars[i] = models.Bar{InstrumentID: "T", Date: day0.AddDate(0, 0, i), Open: v, High: v, Low: v, Close: v}
	}
	return bars
}

func values(points []models.SignalPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

func TestSignals(t *testing.T) {
	t.Run("sma", func(t *testing.T) {
		pts := SMA{Period: 3}.Compute(closes(1, 2, 3, 4, 5))
		assert.Equal(t, []float64{2, 3, 4}, values(pts))
		assert.Equal(t, day0.AddDate(0, 0, 2), pts[0].Date)
		assert.Nil(t, SMA{Period: 10}.Compute(closes(1, 2)))
	})

	t.Run("rsi", func(t *testing.T) {
		assert.Equal(t, []float64{100, 100}, values(RSI{Period: 2}.Compute(closes(1, 2, 3, 4))))
		assert.Equal(t, []float64{50}, values(RSI{Period: 2}.Compute(closes(5, 5, 5))))
		// gains 2, losses 1 -> RS 2 -> 66.67
		assert.InDelta(t, 200.0/3.0, RSI{Period: 2}.Compute(closes(10, 12, 11))[0].Value, 1e-9)
	})

	t.Run("volatility", func(t *testing.T) {
		// constant growth has zero dispersion
		pts := Volatility{Period: 3}.Compute(closes(100, 110, 121, 133.1, 146.41))
		require.Len(t, pts, 2)
		for _, p := range pts {
			assert.InDelta(t, 0, p.Value, 1e-12)
		}
		pts = Volatility{Period: 2}.Compute(closes(100, 110, 99))
		require.Len(t, pts, 1)
		assert.InDelta(t, math.Sqrt(0.02), pts[0].Value, 1e-12)
	})

	t.Run("finite window", func(t *testing.T) {
		bars := series("T", 260)
		for _, s := range DefaultSignals() {
			full := s.Compute(bars)
			suffix := s.Compute(bars[len(bars)-s.Lookback():])
			require.Len(t, suffix, 1, s.Name())
			assert.Equal(t, full[len(full)-1], suffix[0], s.Name())
		}
	})
}

func TestCatalog(t *testing.T) {
	names := make([]string, 0)
	for _, s := range DefaultSignals() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"rsi_14", "sma_20", "sma_200", "sma_50", "volatility_20"}, names)

	signals, err := SignalsByName([]string{"sma_20", "rsi_14", "sma_20"})
	require.NoError(t, err)
	assert.Len(t, signals, 2)

	_, err = SignalsByName([]string{"macd"})
	assert.Error(t, err)
}

func TestRequiredLookback(t *testing.T) {
	assert.Equal(t, 200, NewEngine(nil, nil, nil, 0, nil).RequiredLookback())
	assert.Equal(t, 200, NewEngine(nil, nil, nil, 10, nil).RequiredLookback())
	assert.Equal(t, 250, NewEngine(nil, nil, nil, 250, nil).RequiredLookback())
	assert.Equal(t, 20, NewEngine(nil, nil, []Signal{SMA{Period: 20}}, 5, nil).RequiredLookback())

	task := NewEngine(nil, nil, nil, 0, nil).Task("VNM", day0.Add(13*time.Hour))
	assert.Equal(t, day0, task.EffectiveFrom)
	assert.Equal(t, 200, task.RequiredLookbackDays)
}

func TestRecompute_MergesOnlyFromEffectiveDate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	engine := NewEngine(store, store, nil, 0, nil)

	bars := series("VNM", 320)
	require.NoError(t, store.AppendBars(ctx, "VNM", bars))
	require.NoError(t, engine.Rebuild(ctx, "VNM", 0))

	before := make(map[string][]models.SignalPoint)
	for _, s := range engine.Signals() {
		p, err := store.ReadSignals(ctx, s.Name(), "VNM")
		require.NoError(t, err)
		before[s.Name()] = p.Rows
	}

	// rewrite history from day 280 on
	const effective = 280
	changed := append([]models.Bar(nil), bars...)
	for i := effective; i < len(changed); i++ {
		changed[i].Close *= 1.05
		changed[i].High *= 1.05
		changed[i].Open *= 1.05
		changed[i].Low *= 1.05
	}
	require.NoError(t, store.ReplaceBars(ctx, "VNM", changed, 3))

	task := engine.Task("VNM", bars[effective].Date)
	result, err := engine.Recompute(ctx, task, 3)
	require.NoError(t, err)

	assert.Equal(t, bars[effective-200].Date, result.WindowStart)
	assert.Equal(t, 240, result.BarsLoaded)
	assert.Equal(t, 40, result.RowsMerged["sma_20"])

	from := bars[effective].Date
	for _, s := range engine.Signals() {
		p, err := store.ReadSignals(ctx, s.Name(), "VNM")
		require.NoError(t, err)
		assert.Equal(t, models.Version(3), p.Version)

		expected := s.Compute(changed)
		require.Equal(t, len(before[s.Name()]), len(p.Rows), s.Name())
		for i, row := range p.Rows {
			if row.Date.Before(from) {
				assert.Equal(t, before[s.Name()][i], row, "%s row %s must be untouched", s.Name(), row.Date)
				continue
			}
			assert.Equal(t, expected[i], row, "%s row %s", s.Name(), row.Date)
		}
	}
}

func TestRecompute_BoundaryCorrectnessAfterTwoForOneSplit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	engine := NewEngine(store, store, nil, 0, nil)

	clean := series("FPT", 300)
	const d = 240

	// unadjusted feed: prices before the split are twice the adjusted level
	raw := append([]models.Bar(nil), clean...)
	for i := 0; i < d; i++ {
		raw[i] = clean[i].Rescale(decimal.NewFromFloat(0.5))
	}
	require.NoError(t, store.AppendBars(ctx, "FPT", raw))
	require.NoError(t, engine.Rebuild(ctx, "FPT", 0))

	corrected := append([]models.Bar(nil), raw...)
	for i := 0; i < d; i++ {
		corrected[i] = raw[i].Rescale(decimal.NewFromInt(2))
	}
	assert.InDelta(t, raw[d-1].Close/2, corrected[d-1].Close, 1e-9)
	require.NoError(t, store.ReplaceBars(ctx, "FPT", corrected, 1))

	_, err := engine.Recompute(ctx, engine.Task("FPT", clean[d].Date), 1)
	require.NoError(t, err)

	for _, s := range engine.Signals() {
		want := s.Compute(clean)
		wantByDate := make(map[time.Time]float64, len(want))
		for _, p := range want {
			wantByDate[p.Date] = p.Value
		}

		p, err := store.ReadSignals(ctx, s.Name(), "FPT")
		require.NoError(t, err)
		checked := 0
		for _, row := range p.Rows {
			if row.Date.Before(clean[d].Date) {
				continue
			}
			assert.InDelta(t, wantByDate[row.Date], row.Value, 1e-9, "%s on %s", s.Name(), row.Date.Format(models.DateLayout))
			checked++
		}
		assert.Equal(t, len(clean)-d, checked, s.Name())
	}
}

type failingDerived struct {
	storage.DerivedStore
	err error
}

func (f failingDerived) ReplaceSignals(ctx context.Context, dataset, instrumentID string, rows []models.SignalPoint, version models.Version) error {
	return f.err
}

func TestRecompute_Errors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := NewEngine(store, store, nil, 0, nil).Recompute(ctx, models.RecalculationTask{InstrumentID: "NONE"}, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.AppendBars(ctx, "VNM", series("VNM", 30)))
	boom := errors.New("disk full")
	engine := NewEngine(store, failingDerived{DerivedStore: store, err: boom}, nil, 0, nil)
	_, err = engine.Recompute(ctx, engine.Task("VNM", day0.AddDate(0, 0, 25)), 1)
	assert.ErrorIs(t, err, boom)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = engine.Recompute(canceled, engine.Task("VNM", day0), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
