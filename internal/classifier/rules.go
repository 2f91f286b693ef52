package classifier

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// Predicate reports whether raw lies within the relative tolerance tol of
// the rule's canonical ratio, returning the canonical ratio and the relative
// deviation |raw-canonical|/canonical.
type Predicate func(raw, tol decimal.Decimal) (canonical, deviation decimal.Decimal, ok bool)

// Rule is one entry of the ratio table. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name      string
	EventType models.EventType
	Match     Predicate
}

// CanonicalRatio returns a predicate matching raw ratios within a relative
// band around canonical.
func CanonicalRatio(canonical decimal.Decimal) Predicate {
	return func(raw, tol decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
		if canonical.Sign() <= 0 {
			return decimal.Zero, decimal.Zero, false
		}
		deviation := raw.Sub(canonical).Abs().Div(canonical)
		if deviation.GreaterThan(tol) {
			return decimal.Zero, decimal.Zero, false
		}
		return canonical, deviation, true
	}
}

// DefaultRules returns the forward splits 2, 3, 4, 5 and 10 followed by
// their reverse-split reciprocals.
func DefaultRules() []Rule {
	factors := []int64{2, 3, 4, 5, 10}
	rules := make([]Rule, 0, 2*len(factors))

	for _, f := range factors {
		rules = append(rules, Rule{
			Name:      fmt.Sprintf("split_%d_1", f),
			EventType: models.EventTypeSplit,
			Match:     CanonicalRatio(decimal.NewFromInt(f)),
		})
	}
	for _, f := range factors {
		rules = append(rules, Rule{
			Name:      fmt.Sprintf("reverse_split_1_%d", f),
			EventType: models.EventTypeReverseSplit,
			Match:     CanonicalRatio(decimal.NewFromInt(1).Div(decimal.NewFromInt(f))),
		})
	}
	return rules
}

// matchRules returns the first rule matching raw.
func matchRules(rules []Rule, raw, tol decimal.Decimal) (Rule, decimal.Decimal, decimal.Decimal, bool) {
	for _, r := range rules {
		if canonical, deviation, ok := r.Match(raw, tol); ok {
			return r, canonical, deviation, true
		}
	}
	return Rule{}, decimal.Zero, decimal.Zero, false
}
