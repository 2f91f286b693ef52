// Package errors defines the engine's error taxonomy and the retry
// classification used around partition writes. Domain errors are plain
// typed values checked with errors.As; ClassifiedError adds the metadata
// the cascade uses to decide whether a stage may be retried.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-corpaction-engine/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypePartitionWrite ErrorType = "partition_write" // Staging write or swap failed
	ErrorTypeTimeout        ErrorType = "timeout"         // Deadline exceeded
	ErrorTypeTemporary      ErrorType = "temporary"       // Transient storage failures

	// Non-fatal domain outcomes
	ErrorTypeDataGap   ErrorType = "data_gap"  // Missing baseline for a return
	ErrorTypeAmbiguous ErrorType = "ambiguous" // Classification needs review
	ErrorTypeDuplicate ErrorType = "duplicate" // Correction already registered

	// Non-retryable error types
	ErrorTypeValidation    ErrorType = "validation"    // Data validation errors
	ErrorTypeConfiguration ErrorType = "configuration" // Configuration errors
	ErrorTypeCanceled      ErrorType = "canceled"      // Context canceled
	ErrorTypeInternal      ErrorType = "internal"      // Internal application errors

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DataGapError reports a bar whose return cannot be computed because the
// prior bar is missing, non-positive or too far back in time.
type DataGapError struct {
	InstrumentID string
	Date         time.Time
	Reason       string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap for %s on %s: %s", e.InstrumentID, e.Date.Format("2006-01-02"), e.Reason)
}

// AmbiguousClassificationError reports a candidate that matched no
// canonical ratio and no dividend pattern. The event is routed to review.
type AmbiguousClassificationError struct {
	InstrumentID string
	Date         time.Time
	RawRatio     float64
}

func (e *AmbiguousClassificationError) Error() string {
	return fmt.Sprintf("ambiguous classification for %s on %s: raw ratio %.6f matches no known pattern",
		e.InstrumentID, e.Date.Format("2006-01-02"), e.RawRatio)
}

// PartitionWriteError reports a failed staging write or atomic swap. The
// live partition is unchanged and the operation is safe to retry.
type PartitionWriteError struct {
	Dataset      string
	InstrumentID string
	Phase        string // "stage" or "swap"
	Err          error
}

func (e *PartitionWriteError) Error() string {
	return fmt.Sprintf("partition write failed for %s/%s during %s: %v", e.Dataset, e.InstrumentID, e.Phase, e.Err)
}

func (e *PartitionWriteError) Unwrap() error { return e.Err }

// DuplicateEventError reports a registry key that already exists. Callers
// treat it as success.
type DuplicateEventError struct {
	Key string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("corporate action %s already registered", e.Key)
}

// IsDuplicate reports whether err is, or wraps, a DuplicateEventError.
func IsDuplicate(err error) bool {
	var dup *DuplicateEventError
	return errors.As(err, &dup)
}

// IsAmbiguous reports whether err is, or wraps, an AmbiguousClassificationError.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousClassificationError
	return errors.As(err, &amb)
}

// IsDataGap reports whether err is, or wraps, a DataGapError.
func IsDataGap(err error) bool {
	var gap *DataGapError
	return errors.As(err, &gap)
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err         error          `json:"error"`
	Type        ErrorType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Retryable   bool           `json:"retryable"`
	Component   string         `json:"component"`
	Operation   string         `json:"operation"`
	Context     map[string]any `json:"context"`
	Timestamp   time.Time      `json:"timestamp"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	policy config.RetryPolicyConfig
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
	Retries   int64     `json:"retries"`
}

// NewErrorClassifier creates a new error classifier with the given retry policy
func NewErrorClassifier(policy config.RetryPolicyConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		policy: policy,
		logger: logger.With("component", "error_classifier"),
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryable(errorType),
		Component: component,
		Operation: operation,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType, false)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"for_component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type from typed errors first and
// falls back to message patterns for driver errors.
func classifyErrorType(err error) ErrorType {
	var (
		pwErr  *PartitionWriteError
		gapErr *DataGapError
		ambErr *AmbiguousClassificationError
		dupErr *DuplicateEventError
	)
	switch {
	case errors.As(err, &dupErr):
		return ErrorTypeDuplicate
	case errors.As(err, &gapErr):
		return ErrorTypeDataGap
	case errors.As(err, &ambErr):
		return ErrorTypeAmbiguous
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.As(err, &pwErr):
		return ErrorTypePartitionWrite
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(errStr, "database is locked"),
		strings.Contains(errStr, "resource temporarily unavailable"),
		strings.Contains(errStr, "could not set lock"):
		return ErrorTypeTemporary
	case strings.Contains(errStr, "validation"), strings.Contains(errStr, "invalid"):
		return ErrorTypeValidation
	case strings.Contains(errStr, "config"):
		return ErrorTypeConfiguration
	}
	return ErrorTypeUnknown
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeInternal:
		return SeverityCritical
	case ErrorTypePartitionWrite, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeAmbiguous, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// isRetryable determines if an error type should be retried
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypePartitionWrite, ErrorTypeTimeout, ErrorTypeTemporary:
		return true
	default:
		return false
	}
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType, retried bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	if retried {
		stats.Retries++
	} else {
		stats.Count++
	}
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The final error is a ClassifiedError
// carrying the attempt count and wrapping the last failure.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	var last *ClassifiedError
	attempts := 0

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		last = ec.Classify(err, component, operation)
		last.Attempts = attempts
		last.LastAttempt = time.Now()

		if !last.Retryable {
			return backoff.Permanent(last)
		}
		ec.updateStats(last.Type, true)
		ec.logger.Warn("operation failed, retrying",
			"for_component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", ec.policy.MaxAttempts,
			"error_type", last.Type,
			"error", err.Error())
		return last
	}

	if err := backoff.Retry(op, backoff.WithContext(ec.strategy(), ctx)); err != nil {
		if last == nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s.%s aborted after %d attempts: %w", component, operation, attempts, ctxErr)
		}
		if attempts > 1 {
			ec.logger.Error("operation failed after retries",
				"for_component", component,
				"operation", operation,
				"attempts", attempts)
		}
		return last
	}
	return nil
}

// strategy builds the backoff for the configured policy.
func (ec *ErrorClassifier) strategy() backoff.BackOff {
	initialDelay, err := time.ParseDuration(ec.policy.InitialDelay)
	if err != nil {
		initialDelay = 100 * time.Millisecond
	}
	maxDelay, err := time.ParseDuration(ec.policy.MaxDelay)
	if err != nil {
		maxDelay = 2 * time.Second
	}

	var strategy backoff.BackOff
	switch ec.policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		strategy = exponential
	}

	maxAttempts := ec.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(strategy, uint64(maxAttempts-1))
}

// GetStats returns error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return isRetryable(classifyErrorType(err))
}

// GetErrorType extracts the error type from a classified error, or
// classifies err when it never went through an ErrorClassifier.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return classifyErrorType(err)
}
