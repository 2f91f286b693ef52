package cascade

import (
	"fmt"
	"sort"
	"time"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// ResultStatus is the overall outcome of a batch.
type ResultStatus string

const (
	// StatusNoAnomalies means nothing was detected or left to apply.
	StatusNoAnomalies ResultStatus = "NO_ANOMALIES"
	// StatusReadyToApply means every detected event was confirmed and
	// waits for apply.
	StatusReadyToApply ResultStatus = "READY_TO_APPLY"
	// StatusReviewRequired means at least one event is PENDING_REVIEW.
	StatusReviewRequired ResultStatus = "REVIEW_REQUIRED"
	// StatusApplied means every selected instrument committed.
	StatusApplied ResultStatus = "APPLIED"
	// StatusPartialFailure means at least one instrument failed.
	StatusPartialFailure ResultStatus = "PARTIAL_FAILURE"
)

// Process exit codes of each status.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 4
	ExitReviewRequired = 10
)

// ExitCode maps the status to the process exit code.
func (s ResultStatus) ExitCode() int {
	switch s {
	case StatusPartialFailure:
		return ExitPartialFailure
	case StatusReviewRequired:
		return ExitReviewRequired
	default:
		return ExitSuccess
	}
}

// Failure records where one instrument's pipeline stopped.
type Failure struct {
	InstrumentID string `json:"instrument_id"`
	EventID      string `json:"event_id,omitempty"`
	// Stage is the last stage the event reached; the failed operation
	// would have moved it forward.
	Stage     models.Stage `json:"stage,omitempty"`
	Operation string       `json:"operation"`
	Error     string       `json:"error"`
}

func (f Failure) String() string {
	if f.EventID == "" {
		return fmt.Sprintf("%s: %s failed: %s", f.InstrumentID, f.Operation, f.Error)
	}
	return fmt.Sprintf("%s (event %s at %s): %s failed: %s", f.InstrumentID, f.EventID, f.Stage, f.Operation, f.Error)
}

// BatchSummary reports one scan or apply run.
type BatchSummary struct {
	RunID       string    `json:"run_id"`
	Operation   string    `json:"operation"`
	StartedAt   time.Time `json:"started_at"`
	Instruments int       `json:"instruments"`

	Detected      int `json:"detected"`
	AutoConfirmed int `json:"auto_confirmed"`
	PendingReview int `json:"pending_review"`
	Applied       int `json:"applied"`
	Failed        int `json:"failed"`
	Gaps          int `json:"gaps"`

	Failures []Failure                    `json:"failures,omitempty"`
	Events   []models.CorporateActionEvent `json:"events,omitempty"`

	// Version is the latest committed consistency version after the run.
	Version  models.Version `json:"version"`
	Status   ResultStatus   `json:"status"`
	Duration time.Duration  `json:"duration"`
}

func (s *BatchSummary) addFailure(f Failure) {
	s.Failures = append(s.Failures, f)
	s.Failed++
}

// merge adds the counters and lists of a per-instrument partial summary.
func (s *BatchSummary) merge(partial *BatchSummary) {
	s.Detected += partial.Detected
	s.AutoConfirmed += partial.AutoConfirmed
	s.PendingReview += partial.PendingReview
	s.Applied += partial.Applied
	s.Failed += partial.Failed
	s.Gaps += partial.Gaps
	s.Failures = append(s.Failures, partial.Failures...)
	s.Events = append(s.Events, partial.Events...)
}

// finish sorts the collected slices and derives the status.
func (s *BatchSummary) finish() {
	sort.Slice(s.Failures, func(i, j int) bool {
		if s.Failures[i].InstrumentID != s.Failures[j].InstrumentID {
			return s.Failures[i].InstrumentID < s.Failures[j].InstrumentID
		}
		return s.Failures[i].EventID < s.Failures[j].EventID
	})
	sort.Slice(s.Events, func(i, j int) bool {
		if s.Events[i].InstrumentID != s.Events[j].InstrumentID {
			return s.Events[i].InstrumentID < s.Events[j].InstrumentID
		}
		return s.Events[i].EventDate.Before(s.Events[j].EventDate)
	})

	switch {
	case s.Failed > 0:
		s.Status = StatusPartialFailure
	case s.Applied > 0:
		s.Status = StatusApplied
	case s.PendingReview > 0:
		s.Status = StatusReviewRequired
	case s.Detected > 0:
		s.Status = StatusReadyToApply
	default:
		s.Status = StatusNoAnomalies
	}
	s.Duration = time.Since(s.StartedAt)
}
