package recalc

import (
	"fmt"
	"math"
	"sort"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// Signal is a rolling-window derived signal. Compute is a pure function of
// the bars and emits a point only where its trailing window is full, so a
// point depends on exactly Lookback() bars ending at its date.
type Signal interface {
	Name() string
	Lookback() int
	Compute(bars []models.Bar) []models.SignalPoint
}

// SMA is the simple moving average of closes.
type SMA struct {
	Period int
}

func (s SMA) Name() string  { return fmt.Sprintf("sma_%d", s.Period) }
func (s SMA) Lookback() int { return s.Period }

func (s SMA) Compute(bars []models.Bar) []models.SignalPoint {
	if s.Period <= 0 || len(bars) < s.Period {
		return nil
	}
	out := make([]models.SignalPoint, 0, len(bars)-s.Period+1)
	for i := s.Period - 1; i < len(bars); i++ {
		var sum float64
		for _, b := range bars[i-s.Period+1 : i+1] {
			sum += b.Close
		}
		out = append(out, point(bars[i], sum/float64(s.Period)))
	}
	return out
}

// Volatility is the sample standard deviation of the last Period daily
// returns.
type Volatility struct {
	Period int
}

func (v Volatility) Name() string  { return fmt.Sprintf("volatility_%d", v.Period) }
func (v Volatility) Lookback() int { return v.Period + 1 }

func (v Volatility) Compute(bars []models.Bar) []models.SignalPoint {
	if v.Period < 2 || len(bars) < v.Period+1 {
		return nil
	}
	returns := dailyReturns(bars)
	out := make([]models.SignalPoint, 0, len(bars)-v.Period)
	for i := v.Period; i < len(bars); i++ {
		window := returns[i-v.Period : i]
		var sum float64
		for _, r := range window {
			sum += r
		}
		mean := sum / float64(v.Period)
		var ss float64
		for _, r := range window {
			ss += (r - mean) * (r - mean)
		}
		out = append(out, point(bars[i], math.Sqrt(ss/float64(v.Period-1))))
	}
	return out
}

// RSI is the relative strength index using simple averages of gains and
// losses over Period changes (Cutler's RSI). Unlike Wilder's smoothing it
// has a finite window, so recomputing a suffix reproduces a full run.
type RSI struct {
	Period int
}

func (r RSI) Name() string  { return fmt.Sprintf("rsi_%d", r.Period) }
func (r RSI) Lookback() int { return r.Period + 1 }

func (r RSI) Compute(bars []models.Bar) []models.SignalPoint {
	if r.Period <= 0 || len(bars) < r.Period+1 {
		return nil
	}
	out := make([]models.SignalPoint, 0, len(bars)-r.Period)
	for i := r.Period; i < len(bars); i++ {
		var gain, loss float64
		for j := i - r.Period + 1; j <= i; j++ {
			change := bars[j].Close - bars[j-1].Close
			if change > 0 {
				gain += change
			} else {
				loss -= change
			}
		}
		var value float64
		switch {
		case gain == 0 && loss == 0:
			value = 50
		case loss == 0:
			value = 100
		default:
			value = 100 - 100/(1+gain/loss)
		}
		out = append(out, point(bars[i], value))
	}
	return out
}

// dailyReturns returns r where r[i-1] is the return from bar i-1 to bar i.
func dailyReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		out[i-1] = bars[i].Close/bars[i-1].Close - 1
	}
	return out
}

func point(b models.Bar, value float64) models.SignalPoint {
	return models.SignalPoint{InstrumentID: b.InstrumentID, Date: b.Day(), Value: value}
}

// Catalog returns every built-in signal keyed by name.
func Catalog() map[string]Signal {
	signals := []Signal{
		SMA{Period: 20},
		SMA{Period: 50},
		SMA{Period: 200},
		Volatility{Period: 20},
		RSI{Period: 14},
	}
	out := make(map[string]Signal, len(signals))
	for _, s := range signals {
		out[s.Name()] = s
	}
	return out
}

// DefaultSignals returns the full catalog sorted by name.
func DefaultSignals() []Signal {
	catalog := Catalog()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	signals, _ := SignalsByName(names)
	return signals
}

// SignalsByName resolves catalog names, sorted by name.
func SignalsByName(names []string) ([]Signal, error) {
	catalog := Catalog()
	seen := make(map[string]bool, len(names))
	out := make([]Signal, 0, len(names))
	for _, name := range names {
		s, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("unknown signal %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}
