package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// MemoryStorage implements FullStorage in memory. Partition replacement
// builds the new slice first and swaps the map entry under the lock, which
// gives readers the same all-or-nothing view as the file-backed store.
type MemoryStorage struct {
	mu sync.RWMutex

	bars     map[string]*models.BarPartition
	signals  map[string]*models.SignalPartition // dataset/instrument
	registry map[models.EventKey]models.RegistryEntry
	events   map[string]*models.CorporateActionEvent
	versions map[models.Version]bool // committed flag
	next     models.Version

	failures map[string]error // dataset/instrument -> injected write failure
	closed   bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bars:     make(map[string]*models.BarPartition),
		signals:  make(map[string]*models.SignalPartition),
		registry: make(map[models.EventKey]models.RegistryEntry),
		events:   make(map[string]*models.CorporateActionEvent),
		versions: make(map[models.Version]bool),
		failures: make(map[string]error),
	}
}

func partitionKey(dataset, instrumentID string) string {
	return dataset + "/" + instrumentID
}

// FailWrites makes every staging write to (dataset, instrument) fail with
// err until cleared with a nil err.
func (m *MemoryStorage) FailWrites(dataset, instrumentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, partitionKey(dataset, instrumentID))
		return
	}
	m.failures[partitionKey(dataset, instrumentID)] = err
}

func (m *MemoryStorage) checkWrite(dataset, instrumentID string) error {
	if m.closed {
		return fmt.Errorf("storage is closed")
	}
	if err, ok := m.failures[partitionKey(dataset, instrumentID)]; ok {
		return &apperrors.PartitionWriteError{Dataset: dataset, InstrumentID: instrumentID, Phase: "stage", Err: err}
	}
	return nil
}

// Initialize implements StorageManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error { return nil }

// Close implements StorageManager.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck implements StorageManager.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("storage is closed")
	}
	return nil
}

// AppendBars implements BarStore.
func (m *MemoryStorage) AppendBars(ctx context.Context, instrumentID string, bars []models.Bar) error {
	bars = normalizeBars(bars)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkWrite(models.BarsDataset, instrumentID); err != nil {
		return err
	}

	current := m.bars[instrumentID]
	var existing []models.Bar
	var version models.Version
	if current != nil {
		existing = current.Rows
		version = current.Version
	}
	if err := checkAppend(instrumentID, existing, bars); err != nil {
		return NewInsertError(models.BarsDataset, err)
	}

	rows := make([]models.Bar, 0, len(existing)+len(bars))
	rows = append(rows, existing...)
	rows = append(rows, bars...)
	m.bars[instrumentID] = &models.BarPartition{
		InstrumentID: instrumentID,
		Dataset:      models.BarsDataset,
		Version:      version,
		Rows:         rows,
	}
	return nil
}

// ReadBars implements BarStore.
func (m *MemoryStorage) ReadBars(ctx context.Context, instrumentID string) (*models.BarPartition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.bars[instrumentID]
	if !ok {
		return nil, fmt.Errorf("bars for %s: %w", instrumentID, ErrNotFound)
	}
	out := *p
	out.Rows = append([]models.Bar(nil), p.Rows...)
	return &out, nil
}

// ReplaceBars implements BarStore.
func (m *MemoryStorage) ReplaceBars(ctx context.Context, instrumentID string, bars []models.Bar, version models.Version) error {
	if err := models.ValidateSeries(instrumentID, bars); err != nil {
		return NewUpdateError(models.BarsDataset, err)
	}
	staged := &models.BarPartition{
		InstrumentID: instrumentID,
		Dataset:      models.BarsDataset,
		Version:      version,
		Rows:         normalizeBars(bars),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(models.BarsDataset, instrumentID); err != nil {
		return err
	}
	m.bars[instrumentID] = staged
	return nil
}

// ListInstruments implements BarStore.
func (m *MemoryStorage) ListInstruments(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.bars))
	for id := range m.bars {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ReadSignals implements DerivedStore.
func (m *MemoryStorage) ReadSignals(ctx context.Context, dataset, instrumentID string) (*models.SignalPartition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.signals[partitionKey(dataset, instrumentID)]
	if !ok {
		return nil, fmt.Errorf("%s for %s: %w", dataset, instrumentID, ErrNotFound)
	}
	out := *p
	out.Rows = append([]models.SignalPoint(nil), p.Rows...)
	return &out, nil
}

// ReplaceSignals implements DerivedStore.
func (m *MemoryStorage) ReplaceSignals(ctx context.Context, dataset, instrumentID string, rows []models.SignalPoint, version models.Version) error {
	staged := &models.SignalPartition{
		InstrumentID: instrumentID,
		Dataset:      dataset,
		Version:      version,
		Rows:         normalizeSignals(rows),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(dataset, instrumentID); err != nil {
		return err
	}
	m.signals[partitionKey(dataset, instrumentID)] = staged
	return nil
}

// Append implements Registry.
func (m *MemoryStorage) Append(ctx context.Context, entry models.RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.Key()
	if _, exists := m.registry[key]; exists {
		return &apperrors.DuplicateEventError{Key: key.String()}
	}
	entry.EventDate = key.EventDate
	m.registry[key] = entry
	return nil
}

// Contains implements Registry.
func (m *MemoryStorage) Contains(ctx context.Context, key models.EventKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.registry[key]
	return ok, nil
}

// ListEntries implements Registry.
func (m *MemoryStorage) ListEntries(ctx context.Context, instrumentID string) ([]models.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.RegistryEntry
	for _, e := range m.registry {
		if instrumentID == "" || e.InstrumentID == instrumentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].EventDate.Before(out[j].EventDate)
	})
	return out, nil
}

// SaveEvent implements EventStore.
func (m *MemoryStorage) SaveEvent(ctx context.Context, event *models.CorporateActionEvent) error {
	if event == nil || event.ID == "" {
		return NewInsertError("events", fmt.Errorf("event id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *event
	cp.EventDate = models.TruncateDay(cp.EventDate)
	m.events[cp.ID] = &cp
	return nil
}

// GetEvent implements EventStore.
func (m *MemoryStorage) GetEvent(ctx context.Context, id string) (*models.CorporateActionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// FindEvent implements EventStore.
func (m *MemoryStorage) FindEvent(ctx context.Context, instrumentID string, date time.Time) (*models.CorporateActionEvent, error) {
	day := models.TruncateDay(date)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.events {
		if e.InstrumentID == instrumentID && e.EventDate.Equal(day) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("event %s on %s: %w", instrumentID, day.Format(models.DateLayout), ErrNotFound)
}

// ListEvents implements EventStore.
func (m *MemoryStorage) ListEvents(ctx context.Context, filter EventFilter) ([]models.CorporateActionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.CorporateActionEvent
	for _, e := range m.events {
		if filter.Matches(e) {
			out = append(out, *e)
		}
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(events []models.CorporateActionEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].InstrumentID != events[j].InstrumentID {
			return events[i].InstrumentID < events[j].InstrumentID
		}
		return events[i].EventDate.Before(events[j].EventDate)
	})
}

// Reserve implements VersionLedger.
func (m *MemoryStorage) Reserve(ctx context.Context, instrumentID string) (models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.versions[m.next] = false
	return m.next, nil
}

// Commit implements VersionLedger.
func (m *MemoryStorage) Commit(ctx context.Context, version models.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[version]; !ok {
		return NewUpdateError("consistency_versions", fmt.Errorf("version %s was never reserved", version))
	}
	m.versions[version] = true
	return nil
}

// Latest implements VersionLedger.
func (m *MemoryStorage) Latest(ctx context.Context) (models.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest models.Version
	for v, committed := range m.versions {
		if committed && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// Committed implements VersionLedger.
func (m *MemoryStorage) Committed(ctx context.Context, version models.Version) (bool, error) {
	if version == 0 {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[version], nil
}
