package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DetectionMethod identifies which rule flagged a spike candidate.
type DetectionMethod string

const (
	// MethodLimitBreach means the daily move exceeded the venue's hard limit
	MethodLimitBreach DetectionMethod = "LIMIT_BREACH"
	// MethodZScore means the daily move was a statistical outlier within the limit
	MethodZScore DetectionMethod = "ZSCORE"
)

// SpikeCandidate is a date whose day-over-day return is anomalous.
// Candidates are ephemeral: they are consumed by the classifier within the
// scan that produced them.
type SpikeCandidate struct {
	InstrumentID string          `json:"instrument_id"`
	Date         time.Time       `json:"date"`
	PrevClose    float64         `json:"prev_close"`
	Close        float64         `json:"close"`
	DailyReturn  float64         `json:"daily_return"`
	Method       DetectionMethod `json:"detection_method"`
	ZScore       *float64        `json:"zscore_value"`
	Volume       float64         `json:"volume"`
}

// EventType is the inferred kind of corporate action.
type EventType string

const (
	EventTypeSplit         EventType = "SPLIT"
	EventTypeReverseSplit  EventType = "REVERSE_SPLIT"
	EventTypeShareDividend EventType = "SHARE_DIVIDEND"
	EventTypeUnknown       EventType = "UNKNOWN"
)

// EventStatus is the review status of a corporate-action event.
type EventStatus string

const (
	StatusPendingReview EventStatus = "PENDING_REVIEW"
	StatusConfirmed     EventStatus = "CONFIRMED"
	StatusRejected      EventStatus = "REJECTED"
)

// Validate checks that the status is one of the known values.
func (s EventStatus) Validate() error {
	switch s {
	case StatusPendingReview, StatusConfirmed, StatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid event status: %q", string(s))
	}
}

// Stage is the position of an event in the per-instrument cascade.
type Stage string

const (
	StageDetected   Stage = "DETECTED"
	StageClassified Stage = "CLASSIFIED"
	StageConfirmed  Stage = "CONFIRMED"
	StageCorrected  Stage = "CORRECTED"
	StageRecomputed Stage = "RECOMPUTED"
	StageCommitted  Stage = "COMMITTED"
	StageRejected   Stage = "REJECTED"
)

var stageTransitions = map[Stage][]Stage{
	StageDetected:   {StageClassified},
	StageClassified: {StageConfirmed, StageRejected},
	StageConfirmed:  {StageCorrected},
	StageCorrected:  {StageRecomputed},
	StageRecomputed: {StageCommitted},
}

// CanTransition reports whether the cascade may move from one stage to the next.
func CanTransition(from, to Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageRejected
}

// ErrInvalidTransition is returned when an event is moved to a stage that
// does not follow its current one.
var ErrInvalidTransition = errors.New("invalid stage transition")

// CorporateActionEvent is a classified spike awaiting, or past, correction.
type CorporateActionEvent struct {
	ID                 string          `json:"id"`
	InstrumentID       string          `json:"instrument_id"`
	EventDate          time.Time       `json:"event_date"`
	InferredRatio      float64         `json:"inferred_ratio"`
	EventType          EventType       `json:"event_type"`
	Confidence         float64         `json:"confidence"`
	VolumeCorroborated bool            `json:"volume_corroborated"`
	Status             EventStatus     `json:"status"`
	Method             DetectionMethod `json:"detection_method"`
	DailyReturn        float64         `json:"daily_return"`
	Stage              Stage           `json:"stage"`
	LastError          string          `json:"last_error,omitempty"`
	Note               string          `json:"note,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	// AppliedDigest is the DigestBars of the corrected partition, recorded
	// before the partition is swapped in.
	AppliedDigest string `json:"applied_digest,omitempty"`
}

// NewEvent creates an event for a candidate with a fresh id in the
// CLASSIFIED stage.
func NewEvent(c SpikeCandidate) *CorporateActionEvent {
	now := time.Now().UTC()
	return &CorporateActionEvent{
		ID:           uuid.NewString(),
		InstrumentID: c.InstrumentID,
		EventDate:    TruncateDay(c.Date),
		Method:       c.Method,
		DailyReturn:  c.DailyReturn,
		Stage:        StageClassified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Ratio returns the inferred ratio as a decimal.
func (e *CorporateActionEvent) Ratio() decimal.Decimal {
	return decimal.NewFromFloat(e.InferredRatio)
}

// Key returns the registry key of the event.
func (e *CorporateActionEvent) Key() EventKey {
	return NewEventKey(e.InstrumentID, e.EventDate, e.InferredRatio)
}

// Advance moves the event to the next stage, rejecting illegal transitions.
func (e *CorporateActionEvent) Advance(to Stage) error {
	if !CanTransition(e.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Stage, to)
	}
	e.Stage = to
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Confirm marks a pending event as confirmed.
func (e *CorporateActionEvent) Confirm() error {
	if e.Status == StatusConfirmed {
		return nil
	}
	if e.Status != StatusPendingReview {
		return fmt.Errorf("cannot confirm event %s in status %s", e.ID, e.Status)
	}
	e.Status = StatusConfirmed
	return e.Advance(StageConfirmed)
}

// Reject marks a pending event as rejected.
func (e *CorporateActionEvent) Reject(reason string) error {
	if e.Status != StatusPendingReview {
		return fmt.Errorf("cannot reject event %s in status %s", e.ID, e.Status)
	}
	e.Status = StatusRejected
	e.Note = reason
	return e.Advance(StageRejected)
}

// Validate checks the event fields.
func (e *CorporateActionEvent) Validate() error {
	if e.InstrumentID == "" {
		return &ValidationError{Field: "instrument_id", Message: "instrument_id cannot be empty"}
	}
	if e.EventDate.IsZero() {
		return &ValidationError{Field: "event_date", Message: "event_date cannot be zero"}
	}
	if e.InferredRatio <= 0 {
		return &ValidationError{Field: "inferred_ratio", Message: "inferred_ratio must be greater than 0"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Field: "confidence", Message: "confidence must be within [0, 1]"}
	}
	if err := e.Status.Validate(); err != nil {
		return &ValidationError{Field: "status", Message: err.Error()}
	}
	return nil
}

// EventKey identifies a correction in the registry.
type EventKey struct {
	InstrumentID string
	EventDate    time.Time
	Ratio        string
}

// RatioPrecision is the number of decimal places a ratio keeps in registry keys.
const RatioPrecision = 6

// NewEventKey builds a key with the date truncated to the day and the ratio
// normalized to RatioPrecision places.
func NewEventKey(instrumentID string, date time.Time, ratio float64) EventKey {
	return EventKey{
		InstrumentID: instrumentID,
		EventDate:    TruncateDay(date),
		Ratio:        decimal.NewFromFloat(ratio).Round(RatioPrecision).StringFixed(RatioPrecision),
	}
}

// String returns "instrument/date/ratio".
func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.InstrumentID, k.EventDate.Format(DateLayout), k.Ratio)
}

// RegistryEntry is a permanent record of an applied correction.
type RegistryEntry struct {
	InstrumentID  string      `json:"instrument_id"`
	EventDate     time.Time   `json:"event_date"`
	InferredRatio string      `json:"inferred_ratio"`
	EventType     EventType   `json:"event_type"`
	Confidence    float64     `json:"confidence"`
	Status        EventStatus `json:"status"`
	AppliedAt     time.Time   `json:"applied_at"`
	Version       Version     `json:"version"`
}

// Key returns the registry key of the entry.
func (r RegistryEntry) Key() EventKey {
	return EventKey{InstrumentID: r.InstrumentID, EventDate: TruncateDay(r.EventDate), Ratio: r.InferredRatio}
}

// NewRegistryEntry builds the registry record for a confirmed event.
func NewRegistryEntry(e *CorporateActionEvent, v Version) RegistryEntry {
	key := e.Key()
	return RegistryEntry{
		InstrumentID:  key.InstrumentID,
		EventDate:     key.EventDate,
		InferredRatio: key.Ratio,
		EventType:     e.EventType,
		Confidence:    e.Confidence,
		Status:        e.Status,
		AppliedAt:     time.Now().UTC(),
		Version:       v,
	}
}

// RecalculationTask asks the recalculation engine to refresh every derived
// signal of one instrument from EffectiveFrom onward.
type RecalculationTask struct {
	InstrumentID         string    `json:"instrument_id"`
	EffectiveFrom        time.Time `json:"effective_from_date"`
	RequiredLookbackDays int       `json:"required_lookback_days"`
}

// Version is a consistency version token. Versions are allocated by the
// version ledger and only grow.
type Version uint64

// String formats the version as "v<n>".
func (v Version) String() string {
	return fmt.Sprintf("v%d", uint64(v))
}
