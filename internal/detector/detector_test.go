package detector

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/johnayoung/go-corpaction-engine/internal/limits"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// barsFromReturns builds consecutive daily bars starting at close0 and
// applying each return in turn.
func barsFromReturns(instrumentID string, close0 float64, returns []float64) []models.Bar {
	bars := make([]models.Bar, 0, len(returns)+1)
	c := close0
	for i := 0; i <= len(returns); i++ {
		if i > 0 {
			c *= 1 + returns[i-1]
		}
		bars = append(bars, models.Bar{
			InstrumentID: instrumentID,
			Date:         start.AddDate(0, 0, i),
			Open:         c,
			High:         c,
			Low:          c,
			Close:        c,
			Volume:       1000,
		})
	}
	return bars
}

func alternating(n int, a float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = -a
		}
	}
	return out
}

func testTable(t *testing.T) *limits.Table {
	t.Helper()
	table, err := limits.NewTable(
		map[string]float64{limits.VenueHOSE: 0.07, limits.VenueHNX: 0.10, limits.VenueUPCOM: 0.15},
		map[string]string{"SHB": limits.VenueHNX, "BSR": limits.VenueUPCOM},
		limits.VenueHOSE,
	)
	require.NoError(t, err)
	return table
}

func TestNoFalseNegativesOnLimitBreach(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)
	ctx := context.Background()

	tests := []struct {
		instrument string
		limit      float64
	}{
		{"VNM", 0.07},
		{"SHB", 0.10},
		{"BSR", 0.15},
	}
	for _, tt := range tests {
		for _, sign := range []float64{1, -1} {
			for _, excess := range []float64{0.0005, 0.01, 0.5} {
				r := sign * (tt.limit + excess)
				if r <= -1 {
					continue
				}
				// breach at several positions, including before min_periods
				for _, pos := range []int{0, 5, 30} {
					returns := alternating(40, 0.005)
					returns[pos] = r
					report, err := d.ScanBars(ctx, tt.instrument, barsFromReturns(tt.instrument, 100, returns))
					require.NoError(t, err)

					var found bool
					for _, c := range report.Candidates {
						if c.Date.Equal(start.AddDate(0, 0, pos+1)) {
							found = true
							assert.Equal(t, models.MethodLimitBreach, c.Method)
							assert.InDelta(t, r, c.DailyReturn, 1e-9)
						}
					}
					assert.True(t, found, "%s return %.4f at %d not flagged", tt.instrument, r, pos)
				}
			}
		}
	}
}

func TestNoSpuriousFlagsOnBoundedWalk(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)

	returns := make([]float64, 400)
	for i := range returns {
		returns[i] = 0.015 * math.Sin(1.3*float64(i))
	}
	for _, instrument := range []string{"VNM", "SHB", "BSR"} {
		report, err := d.ScanBars(context.Background(), instrument, barsFromReturns(instrument, 50000, returns))
		require.NoError(t, err)
		assert.Empty(t, report.Candidates, instrument)
		assert.Empty(t, report.Gaps)
		assert.Equal(t, 401, report.BarsScanned)
	}
}

func TestScenarioY_BelowThresholdWithinLimit(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)

	// 20 prior returns of +/-3.13% give a sample std of ~3.21%, so -9% is
	// a z-score of about -2.8
	returns := append(alternating(24, 0.0313), -0.09)
	bars := barsFromReturns("SHB", 30000, returns)
	bars[len(bars)-1].Volume = 2500

	report, err := d.ScanBars(context.Background(), "SHB", bars)
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)
	assert.Equal(t, limits.VenueHNX, report.Venue)

	t.Run("same move breaches a tighter venue", func(t *testing.T) {
		vnm := barsFromReturns("VNM", 30000, returns)
		report, err := d.ScanBars(context.Background(), "VNM", vnm)
		require.NoError(t, err)
		require.Len(t, report.Candidates, 1)
		c := report.Candidates[0]
		assert.Equal(t, models.MethodLimitBreach, c.Method)
		require.NotNil(t, c.ZScore)
		assert.InDelta(t, -2.80, *c.ZScore, 0.01)
	})
}

func TestZScoreRule(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)
	ctx := context.Background()

	t.Run("flags outlier within the limit", func(t *testing.T) {
		returns := append(alternating(15, 0.01), 0.06)
		report, err := d.ScanBars(ctx, "VNM", barsFromReturns("VNM", 100, returns))
		require.NoError(t, err)
		require.Len(t, report.Candidates, 1)

		c := report.Candidates[0]
		assert.Equal(t, models.MethodZScore, c.Method)
		require.NotNil(t, c.ZScore)
		assert.Greater(t, *c.ZScore, 3.0)
		assert.Equal(t, start.AddDate(0, 0, 16), c.Date)
		assert.InDelta(t, 0.06, c.DailyReturn, 1e-9)
	})

	t.Run("needs min periods", func(t *testing.T) {
		returns := append(alternating(5, 0.01), 0.06)
		report, err := d.ScanBars(ctx, "VNM", barsFromReturns("VNM", 100, returns))
		require.NoError(t, err)
		assert.Empty(t, report.Candidates)
	})

	t.Run("flat history disables the rule", func(t *testing.T) {
		returns := append(make([]float64, 20), 0.05)
		report, err := d.ScanBars(ctx, "VNM", barsFromReturns("VNM", 100, returns))
		require.NoError(t, err)
		assert.Empty(t, report.Candidates)
	})

	t.Run("uses only the trailing window", func(t *testing.T) {
		// an old volatile regime is outside the 20-return window
		returns := append(alternating(10, 0.06), alternating(20, 0.005)...)
		returns = append(returns, 0.05)
		report, err := d.ScanBars(ctx, "VNM", barsFromReturns("VNM", 100, returns))
		require.NoError(t, err)
		require.Len(t, report.Candidates, 1)
		assert.Equal(t, models.MethodZScore, report.Candidates[0].Method)
	})
}

func TestConsecutiveFlagsReportedIndividually(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)

	returns := alternating(20, 0.01)
	returns[12] = -0.5
	returns[13] = 0.9
	report, err := d.ScanBars(context.Background(), "VNM", barsFromReturns("VNM", 100, returns))
	require.NoError(t, err)
	require.Len(t, report.Candidates, 2)
	assert.Equal(t, start.AddDate(0, 0, 13), report.Candidates[0].Date)
	assert.Equal(t, start.AddDate(0, 0, 14), report.Candidates[1].Date)
}

func TestDataGaps(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)
	ctx := context.Background()

	t.Run("calendar gap", func(t *testing.T) {
		bars := barsFromReturns("VNM", 100, alternating(15, 0.01))
		// trading halt: the remaining bars resume 20 days later, lower
		for i := 10; i < len(bars); i++ {
			bars[i].Date = bars[i].Date.AddDate(0, 0, 20)
			bars[i].Close *= 0.5
		}
		report, err := d.ScanBars(ctx, "VNM", bars)
		require.NoError(t, err)
		assert.Empty(t, report.Candidates)
		require.Len(t, report.Gaps, 1)
		assert.Equal(t, bars[10].Date, report.Gaps[0].Date)
		assert.Contains(t, report.Gaps[0].Error(), "calendar days")
	})

	t.Run("non-positive prior close", func(t *testing.T) {
		bars := barsFromReturns("VNM", 100, alternating(5, 0.01))
		bars[2].Close = 0
		report, err := d.ScanBars(ctx, "VNM", bars)
		require.NoError(t, err)
		require.Len(t, report.Gaps, 1)
		assert.Equal(t, bars[3].Date, report.Gaps[0].Date)
	})

	t.Run("gap check disabled", func(t *testing.T) {
		cfg := NewDetectorConfig()
		cfg.MaxGapDays = 0
		d := NewDetector(nil, testTable(t), cfg, nil)
		bars := barsFromReturns("VNM", 100, alternating(3, 0.01))
		bars[3].Date = bars[3].Date.AddDate(0, 1, 0)
		report, err := d.ScanBars(ctx, "VNM", bars)
		require.NoError(t, err)
		assert.Empty(t, report.Gaps)
	})
}

func TestScanFromStore(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	returns := alternating(20, 0.01)
	returns[15] = -0.5
	require.NoError(t, store.AppendBars(ctx, "VNM", barsFromReturns("VNM", 100, returns)))

	d := NewDetector(store, testTable(t), nil, nil)
	report, err := d.Scan(ctx, "VNM")
	require.NoError(t, err)
	assert.Len(t, report.Candidates, 1)

	_, err = d.Scan(ctx, "FPT")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = NewDetector(nil, testTable(t), nil, nil).Scan(ctx, "VNM")
	assert.Error(t, err)
}

func TestUpdateConfig(t *testing.T) {
	d := NewDetector(nil, testTable(t), nil, nil)
	ctx := context.Background()

	assert.Error(t, d.UpdateConfig(ctx, nil))
	assert.Error(t, d.UpdateConfig(ctx, &DetectorConfig{Window: 20, MinPeriods: 30, ZScoreThreshold: 3}))
	assert.Error(t, d.UpdateConfig(ctx, &DetectorConfig{Window: 20, MinPeriods: 10, ZScoreThreshold: 0}))

	cfg := &DetectorConfig{Window: 10, MinPeriods: 5, ZScoreThreshold: 2.5, MaxGapDays: 5}
	require.NoError(t, d.UpdateConfig(ctx, cfg))
	assert.Equal(t, *cfg, *d.GetConfig())

	// returned config is a copy
	d.GetConfig().Window = 99
	assert.Equal(t, 10, d.GetConfig().Window)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, d.UpdateConfig(canceled, cfg), context.Canceled)
	_, err := d.ScanBars(canceled, "VNM", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnknownVenue(t *testing.T) {
	table, err := limits.NewTable(map[string]float64{"HOSE": 0.07}, nil, "")
	require.NoError(t, err)
	d := NewDetector(nil, table, nil, nil)
	_, err = d.ScanBars(context.Background(), "VNM", barsFromReturns("VNM", 100, []float64{0.01}))
	assert.Error(t, err)
}
