// Package models provides the data structures shared by the detection,
// classification, correction and recalculation stages: daily bars, spike
// candidates, corporate-action events, recalculation tasks and the
// consistency version token.
package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one trading day for one instrument.
type Bar struct {
	InstrumentID string    `json:"instrument_id" db:"instrument_id"`
	Date         time.Time `json:"date" db:"date"`
	Open         float64   `json:"open" db:"open"`
	High         float64   `json:"high" db:"high"`
	Low          float64   `json:"low" db:"low"`
	Close        float64   `json:"close" db:"close"`
	Volume       float64   `json:"volume" db:"volume"`
}

// ValidationError represents a bar validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks a single bar: prices must be positive, high must not be
// below low and volume must be non-negative.
func (b *Bar) Validate() error {
	if b.InstrumentID == "" {
		return &ValidationError{Field: "instrument_id", Message: "instrument_id cannot be empty"}
	}
	if b.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}
	if b.Close <= 0 {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if b.Open <= 0 {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if b.High <= 0 {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if b.Low <= 0 {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if b.High < b.Low {
		return &ValidationError{Field: "high", Message: "high price must be >= low price"}
	}
	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be >= 0"}
	}
	return nil
}

// Day returns the bar date truncated to a UTC calendar day.
func (b *Bar) Day() time.Time {
	return TruncateDay(b.Date)
}

// String returns a compact representation used in logs and error messages.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{%s %s C:%g V:%g}", b.InstrumentID, b.Date.Format(DateLayout), b.Close, b.Volume)
}

// Rescale returns a copy of the bar with prices multiplied by 1/ratio and
// volume multiplied by ratio. The arithmetic is done in decimal so that
// exact ratios (2, 4, 0.5) do not drift.
func (b Bar) Rescale(ratio decimal.Decimal) Bar {
	if ratio.IsZero() {
		return b
	}
	scale := func(v float64) float64 {
		f, _ := decimal.NewFromFloat(v).Div(ratio).Float64()
		return f
	}
	b.Open = scale(b.Open)
	b.High = scale(b.High)
	b.Low = scale(b.Low)
	b.Close = scale(b.Close)
	b.Volume, _ = decimal.NewFromFloat(b.Volume).Mul(ratio).Float64()
	return b
}

// DateLayout is the canonical day format used on the wire and in storage keys.
const DateLayout = "2006-01-02"

// TruncateDay normalizes t to midnight UTC of its calendar day.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ValidateSeries checks that bars belong to one instrument, are individually
// valid and have strictly increasing dates.
func ValidateSeries(instrumentID string, bars []Bar) error {
	for i := range bars {
		if bars[i].InstrumentID != instrumentID {
			return &ValidationError{
				Field:   "instrument_id",
				Message: fmt.Sprintf("bar %d belongs to %q, expected %q", i, bars[i].InstrumentID, instrumentID),
			}
		}
		if err := bars[i].Validate(); err != nil {
			return err
		}
		if i > 0 && !bars[i].Day().After(bars[i-1].Day()) {
			return &ValidationError{
				Field:   "date",
				Message: fmt.Sprintf("dates must be strictly increasing: %s follows %s", bars[i].Day().Format(DateLayout), bars[i-1].Day().Format(DateLayout)),
			}
		}
	}
	return nil
}

// DigestBars returns a hex SHA-256 over the dates and values of bars. Two
// series with the same digest hold the same rows.
func DigestBars(bars []Bar) string {
	h := sha256.New()
	var buf [8]byte
	for _, b := range bars {
		h.Write([]byte(b.Day().Format(DateLayout)))
		for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SignalPoint is one row of a derived rolling-signal dataset.
type SignalPoint struct {
	InstrumentID string    `json:"instrument_id" db:"instrument_id"`
	Date         time.Time `json:"date" db:"date"`
	Value        float64   `json:"value" db:"value"`
}

// Partition is one instrument's full history in one dataset together with
// the consistency version it was last written under.
type Partition[T any] struct {
	InstrumentID string  `json:"instrument_id"`
	Dataset      string  `json:"dataset"`
	Version      Version `json:"version"`
	Rows         []T     `json:"rows"`
}

// Reflects reports whether the partition was written at or after v.
func (p *Partition[T]) Reflects(v Version) bool {
	return p != nil && p.Version >= v
}

// BarPartition is an instrument's bar history.
type BarPartition = Partition[Bar]

// SignalPartition is an instrument's history for one derived signal.
type SignalPartition = Partition[SignalPoint]

// BarsDataset is the dataset name of the bar store partitions.
const BarsDataset = "bars"
