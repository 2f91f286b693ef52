// Package limits holds the exchange limit reference table: the maximum
// fraction a venue lets a price move in one session, and the venue each
// instrument trades on.
package limits

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Default venue tiers.
const (
	VenueHOSE  = "HOSE"
	VenueHNX   = "HNX"
	VenueUPCOM = "UPCOM"
)

// ExchangeLimit is one venue's maximum permitted daily move.
type ExchangeLimit struct {
	VenueID              string  `json:"venue_id" yaml:"venue_id"`
	MaxDailyMoveFraction float64 `json:"max_daily_move_fraction" yaml:"max_daily_move_fraction"`
}

// Table maps instruments to venues and venues to their limit. It is
// immutable after construction and safe for concurrent readers.
type Table struct {
	venues       map[string]float64
	instruments  map[string]string
	defaultVenue string
}

// referenceFile is the YAML layout read by LoadFile.
type referenceFile struct {
	DefaultVenue string             `yaml:"default_venue"`
	Venues       map[string]float64 `yaml:"venues"`
	Instruments  map[string]string  `yaml:"instruments"`
}

// NewTable validates and copies the reference data.
func NewTable(venues map[string]float64, instruments map[string]string, defaultVenue string) (*Table, error) {
	if len(venues) == 0 {
		return nil, fmt.Errorf("limit table needs at least one venue")
	}

	t := &Table{
		venues:       make(map[string]float64, len(venues)),
		instruments:  make(map[string]string, len(instruments)),
		defaultVenue: defaultVenue,
	}
	for venue, fraction := range venues {
		if fraction <= 0 || fraction >= 1 {
			return nil, fmt.Errorf("venue %s: max daily move %.4f must be within (0, 1)", venue, fraction)
		}
		t.venues[venue] = fraction
	}
	if _, ok := t.venues[defaultVenue]; defaultVenue != "" && !ok {
		return nil, fmt.Errorf("default venue %q is not in the table", defaultVenue)
	}
	for instrument, venue := range instruments {
		if _, ok := t.venues[venue]; !ok {
			return nil, fmt.Errorf("instrument %s references unknown venue %q", instrument, venue)
		}
		t.instruments[instrument] = venue
	}
	return t, nil
}

// DefaultTable returns the three-tier table with every instrument on HOSE.
func DefaultTable() *Table {
	t, _ := NewTable(map[string]float64{
		VenueHOSE:  0.07,
		VenueHNX:   0.10,
		VenueUPCOM: 0.15,
	}, nil, VenueHOSE)
	return t
}

// LoadFile reads a YAML reference file. Venues and instruments in the file
// are merged over base, so a file may list only instrument assignments.
func LoadFile(path string, base *Table) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limit table %s: %w", path, err)
	}

	var ref referenceFile
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse limit table %s: %w", path, err)
	}

	venues := map[string]float64{}
	instruments := map[string]string{}
	defaultVenue := ref.DefaultVenue
	if base != nil {
		for k, v := range base.venues {
			venues[k] = v
		}
		for k, v := range base.instruments {
			instruments[k] = v
		}
		if defaultVenue == "" {
			defaultVenue = base.defaultVenue
		}
	}
	for k, v := range ref.Venues {
		venues[k] = v
	}
	for k, v := range ref.Instruments {
		instruments[k] = v
	}
	return NewTable(venues, instruments, defaultVenue)
}

// VenueOf returns the venue an instrument trades on, falling back to the
// default venue for unmapped instruments.
func (t *Table) VenueOf(instrumentID string) (string, error) {
	if venue, ok := t.instruments[instrumentID]; ok {
		return venue, nil
	}
	if t.defaultVenue == "" {
		return "", fmt.Errorf("instrument %s has no venue and no default venue is configured", instrumentID)
	}
	return t.defaultVenue, nil
}

// LimitFor returns the instrument's venue limit.
func (t *Table) LimitFor(instrumentID string) (ExchangeLimit, error) {
	venue, err := t.VenueOf(instrumentID)
	if err != nil {
		return ExchangeLimit{}, err
	}
	fraction, ok := t.venues[venue]
	if !ok {
		return ExchangeLimit{}, fmt.Errorf("unknown venue %q for instrument %s", venue, instrumentID)
	}
	return ExchangeLimit{VenueID: venue, MaxDailyMoveFraction: fraction}, nil
}

// Limits lists every venue sorted by id.
func (t *Table) Limits() []ExchangeLimit {
	out := make([]ExchangeLimit, 0, len(t.venues))
	for venue, fraction := range t.venues {
		out = append(out, ExchangeLimit{VenueID: venue, MaxDailyMoveFraction: fraction})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueID < out[j].VenueID })
	return out
}
