// Package classifier infers the corrective ratio and event type of a spike
// candidate and decides whether the resulting event can be applied without
// review.
package classifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// ClassifierConfig holds the classification thresholds.
type ClassifierConfig struct {
	// Tolerance is the relative band around each canonical ratio.
	Tolerance         float64 `json:"tolerance"`
	DividendMinReturn float64 `json:"dividend_min_return"`
	DividendMaxReturn float64 `json:"dividend_max_return"`
	// VolumeMultiple and VolumeWindow define volume corroboration: the
	// event-day volume exceeds VolumeMultiple times the average of the
	// preceding VolumeWindow bars.
	VolumeMultiple        float64 `json:"volume_multiple"`
	VolumeWindow          int     `json:"volume_window"`
	AutoConfirmConfidence float64 `json:"auto_confirm_confidence"`
}

// NewClassifierConfig returns the default configuration.
func NewClassifierConfig() *ClassifierConfig {
	return &ClassifierConfig{
		Tolerance:             0.10,
		DividendMinReturn:     0.05,
		DividendMaxReturn:     0.15,
		VolumeMultiple:        2.0,
		VolumeWindow:          20,
		AutoConfirmConfidence: 0.9,
	}
}

// Confidence weights for z-score events.
const (
	ratioWeight             = 0.6
	volumeWeight            = 0.4
	shareDividendConfidence = 0.5
)

// Classifier turns spike candidates into corporate action events.
type Classifier struct {
	config *ClassifierConfig
	rules  []Rule
	logger *slog.Logger
}

// NewClassifier creates a classifier. A nil rules slice uses DefaultRules.
func NewClassifier(config *ClassifierConfig, rules []Rule, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = NewClassifierConfig()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{
		config: config,
		rules:  rules,
		logger: logger.With("component", "event_classifier"),
	}
}

// Classify builds the event for a candidate. history is the instrument's
// bar series and is used for the volume check.
//
// LIMIT_BREACH candidates are always confirmed with confidence 1. A z-score
// candidate that matches nothing is returned as UNKNOWN together with an
// *errors.AmbiguousClassificationError; the event is still valid and goes to
// review.
func (c *Classifier) Classify(ctx context.Context, candidate models.SpikeCandidate, history []models.Bar) (*models.CorporateActionEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if candidate.PrevClose <= 0 || candidate.Close <= 0 {
		return nil, &apperrors.DataGapError{
			InstrumentID: candidate.InstrumentID,
			Date:         candidate.Date,
			Reason:       "candidate has no positive closes",
		}
	}

	raw := decimal.NewFromFloat(candidate.PrevClose).Div(decimal.NewFromFloat(candidate.Close))
	tol := decimal.NewFromFloat(c.config.Tolerance)
	corroborated, avgVolume := c.VolumeCorroborated(candidate, history)

	event := models.NewEvent(candidate)
	event.Status = models.StatusPendingReview
	event.VolumeCorroborated = corroborated

	absReturn := candidate.DailyReturn
	if absReturn < 0 {
		absReturn = -absReturn
	}

	var ambiguous error
	if rule, canonical, deviation, ok := matchRules(c.rules, raw, tol); ok {
		event.EventType = rule.EventType
		event.InferredRatio = canonical.InexactFloat64()
		closeness := 1 - deviation.Div(tol).InexactFloat64()
		event.Confidence = ratioWeight * closeness
		if corroborated {
			event.Confidence += volumeWeight
		}
	} else if absReturn >= c.config.DividendMinReturn && absReturn <= c.config.DividendMaxReturn && corroborated {
		event.EventType = models.EventTypeShareDividend
		event.InferredRatio = raw.InexactFloat64()
		event.Confidence = shareDividendConfidence
	} else {
		event.EventType = models.EventTypeUnknown
		event.InferredRatio = raw.InexactFloat64()
		event.Confidence = 0
		ambiguous = &apperrors.AmbiguousClassificationError{
			InstrumentID: candidate.InstrumentID,
			Date:         event.EventDate,
			RawRatio:     event.InferredRatio,
		}
	}

	var autoConfirm bool
	switch candidate.Method {
	case models.MethodLimitBreach:
		event.Confidence = 1.0
		autoConfirm = true
		ambiguous = nil
	default:
		autoConfirm = corroborated && event.Confidence >= c.config.AutoConfirmConfidence
	}

	if autoConfirm {
		if err := event.Confirm(); err != nil {
			return nil, fmt.Errorf("auto-confirm event %s: %w", event.ID, err)
		}
	}

	c.logger.Debug("classified candidate",
		"instrument", candidate.InstrumentID,
		"date", event.EventDate.Format(models.DateLayout),
		"method", candidate.Method,
		"raw_ratio", raw.StringFixed(models.RatioPrecision),
		"event_type", event.EventType,
		"inferred_ratio", event.InferredRatio,
		"confidence", event.Confidence,
		"volume_corroborated", corroborated,
		"avg_volume", avgVolume,
		"status", event.Status)

	return event, ambiguous
}

// VolumeCorroborated reports whether the candidate's volume exceeds
// VolumeMultiple times the average volume of the VolumeWindow bars before
// the candidate date. It also returns that average.
func (c *Classifier) VolumeCorroborated(candidate models.SpikeCandidate, history []models.Bar) (bool, float64) {
	day := models.TruncateDay(candidate.Date)

	end := len(history)
	for i := range history {
		if !history[i].Day().Before(day) {
			end = i
			break
		}
	}
	begin := end - c.config.VolumeWindow
	if begin < 0 {
		begin = 0
	}
	if end-begin == 0 {
		return false, 0
	}

	var sum float64
	for _, b := range history[begin:end] {
		sum += b.Volume
	}
	avg := sum / float64(end-begin)
	if avg <= 0 {
		return candidate.Volume > 0, avg
	}
	return candidate.Volume > c.config.VolumeMultiple*avg, avg
}
