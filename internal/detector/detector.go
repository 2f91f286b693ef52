// Package detector flags trading days whose day-over-day return cannot be
// explained by normal trading.
//
// Two rules run independently per bar and are combined with OR:
//   - LIMIT_BREACH: the absolute return exceeds the venue's maximum daily move.
//   - ZSCORE: the return is more than ZScoreThreshold sample standard
//     deviations away from the mean of the trailing Window returns.
//
// The first bar of a history is never flagged. A later bar without a usable
// baseline (non-positive previous close or a calendar gap wider than
// MaxGapDays) is skipped and reported as a DataGapError in the scan report.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/limits"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

// LimitProvider resolves an instrument's venue limit.
type LimitProvider interface {
	LimitFor(instrumentID string) (limits.ExchangeLimit, error)
}

// DetectorConfig holds the z-score rule parameters.
type DetectorConfig struct {
	Window          int     `json:"window"`
	MinPeriods      int     `json:"min_periods"`
	ZScoreThreshold float64 `json:"zscore_threshold"`
	// MaxGapDays is the widest calendar gap between consecutive bars that
	// still yields a return. Zero disables the check.
	MaxGapDays int `json:"max_gap_days"`
}

// NewDetectorConfig returns the default configuration.
func NewDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		Window:          20,
		MinPeriods:      10,
		ZScoreThreshold: 3.0,
		MaxGapDays:      10,
	}
}

// Validate checks the configuration.
func (c *DetectorConfig) Validate() error {
	if c.Window < 2 {
		return fmt.Errorf("window must be at least 2, got %d", c.Window)
	}
	if c.MinPeriods < 2 || c.MinPeriods > c.Window {
		return fmt.Errorf("min_periods must be within [2, window], got %d", c.MinPeriods)
	}
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("zscore_threshold must be positive, got %f", c.ZScoreThreshold)
	}
	if c.MaxGapDays < 0 {
		return fmt.Errorf("max_gap_days cannot be negative, got %d", c.MaxGapDays)
	}
	return nil
}

// ScanReport is the result of scanning one instrument.
type ScanReport struct {
	InstrumentID   string                   `json:"instrument_id"`
	Venue          string                   `json:"venue"`
	BarsScanned    int                      `json:"bars_scanned"`
	Candidates     []models.SpikeCandidate  `json:"candidates"`
	Gaps           []apperrors.DataGapError `json:"gaps,omitempty"`
	ProcessingTime time.Duration            `json:"processing_time"`
}

// Detector scans bar series for spike candidates. It is safe for
// concurrent use.
type Detector struct {
	config *DetectorConfig
	limits LimitProvider
	bars   storage.BarStore
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDetector creates a detector. bars may be nil when only ScanBars is used.
func NewDetector(bars storage.BarStore, limitTable LimitProvider, config *DetectorConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = NewDetectorConfig()
	}
	return &Detector{
		config: config,
		limits: limitTable,
		bars:   bars,
		logger: logger.With("component", "spike_detector"),
	}
}

// GetConfig returns a copy of the current configuration.
func (d *Detector) GetConfig() *DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()

	configCopy := *d.config
	return &configCopy
}

// UpdateConfig replaces the configuration.
func (d *Detector) UpdateConfig(ctx context.Context, config *DetectorConfig) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid detector configuration: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config

	d.logger.Info("updated detector configuration",
		"window", config.Window,
		"min_periods", config.MinPeriods,
		"zscore_threshold", config.ZScoreThreshold,
		"max_gap_days", config.MaxGapDays)
	return nil
}

// Scan reads the instrument's bars from the store and scans them.
func (d *Detector) Scan(ctx context.Context, instrumentID string) (*ScanReport, error) {
	if d.bars == nil {
		return nil, fmt.Errorf("detector has no bar store")
	}
	partition, err := d.bars.ReadBars(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("read bars for %s: %w", instrumentID, err)
	}
	return d.ScanBars(ctx, instrumentID, partition.Rows)
}

// ScanBars scans a date-ordered bar series. The result depends only on the
// bars, the limit table and the configuration.
func (d *Detector) ScanBars(ctx context.Context, instrumentID string, bars []models.Bar) (*ScanReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := time.Now()
	cfg := d.GetConfig()

	limit, err := d.limits.LimitFor(instrumentID)
	if err != nil {
		return nil, fmt.Errorf("resolve limit for %s: %w", instrumentID, err)
	}

	report := &ScanReport{
		InstrumentID: instrumentID,
		Venue:        limit.VenueID,
		BarsScanned:  len(bars),
		Candidates:   []models.SpikeCandidate{},
	}

	// returns observed so far, in date order, excluding dates without a baseline
	returns := make([]float64, 0, len(bars))

	for t := range bars {
		if t%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		// the first bar starts the history
		if t == 0 {
			continue
		}
		if gap := baselineGap(bars, t, cfg.MaxGapDays); gap != "" {
			report.Gaps = append(report.Gaps, apperrors.DataGapError{
				InstrumentID: instrumentID,
				Date:         bars[t].Day(),
				Reason:       gap,
			})
			continue
		}

		prev, cur := bars[t-1], bars[t]
		r := cur.Close/prev.Close - 1

		var zscore *float64
		zFlag := false
		if len(returns) >= cfg.MinPeriods {
			window := returns
			if len(window) > cfg.Window {
				window = window[len(window)-cfg.Window:]
			}
			mean, std := meanStd(window)
			if std > 0 {
				z := (r - mean) / std
				zscore = &z
				zFlag = math.Abs(z) > cfg.ZScoreThreshold
			}
		}
		limitFlag := math.Abs(r) > limit.MaxDailyMoveFraction

		returns = append(returns, r)

		if !limitFlag && !zFlag {
			continue
		}

		method := models.MethodZScore
		if limitFlag {
			method = models.MethodLimitBreach
		}
		report.Candidates = append(report.Candidates, models.SpikeCandidate{
			InstrumentID: instrumentID,
			Date:         cur.Day(),
			PrevClose:    prev.Close,
			Close:        cur.Close,
			DailyReturn:  r,
			Method:       method,
			ZScore:       zscore,
			Volume:       cur.Volume,
		})
	}

	report.ProcessingTime = time.Since(start)
	d.logger.Debug("scanned instrument",
		"instrument", instrumentID,
		"venue", limit.VenueID,
		"bars", len(bars),
		"candidates", len(report.Candidates),
		"gaps", len(report.Gaps))

	return report, nil
}

// baselineGap returns why bar t (t > 0) has no usable baseline, or "" when
// it has one.
func baselineGap(bars []models.Bar, t, maxGapDays int) string {
	if bars[t-1].Close <= 0 {
		return fmt.Sprintf("prior close %.4f is not positive", bars[t-1].Close)
	}
	if maxGapDays > 0 {
		days := int(bars[t].Day().Sub(bars[t-1].Day()).Hours() / 24)
		if days > maxGapDays {
			return fmt.Sprintf("%d calendar days since prior bar", days)
		}
	}
	return ""
}

// meanStd returns the mean and sample standard deviation of xs.
func meanStd(xs []float64) (float64, float64) {
	n := float64(len(xs))
	if n < 2 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / (n - 1))
}
