package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
)

const (
	barsDir    = "bars"
	derivedDir = "derived"
	parquetExt = ".parquet"

	// versionKey is the Parquet key-value metadata entry holding the
	// partition version, so empty partitions keep theirs.
	versionKey = "corpact_version"
)

// DuckDBStorage implements FullStorage. The DuckDB catalog file holds the
// event store, the registry and the version ledger; bar and derived
// partitions are Parquet files that DuckDB writes and reads.
type DuckDBStorage struct {
	db          *sql.DB
	catalogPath string
	dataDir     string
	logger      *slog.Logger
	mu          sync.RWMutex

	// writeMu serializes registry appends and ledger reservations
	writeMu sync.Mutex

	partLocks sync.Map // dataset/instrument -> *sync.Mutex

	// stageHook runs between the staging write and the swap; tests use it
	// to inject failures.
	stageHook func(dataset, instrumentID, stagingPath string) error

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// DuckDBOptions tunes the DuckDB session.
type DuckDBOptions struct {
	MemoryLimit string
	Threads     int
}

// NewDuckDBStorage opens the catalog at catalogPath (":memory:" is allowed)
// and stores partitions under dataDir.
func NewDuckDBStorage(catalogPath, dataDir string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dataDir == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("data directory is required"))
	}
	if catalogPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(catalogPath), 0755); err != nil {
			return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create catalog directory: %w", err))
		}
	}

	db, err := sql.Open("duckdb", catalogPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:          db,
		catalogPath: catalogPath,
		dataDir:     dataDir,
		logger:      logger.With("component", "duckdb_storage"),
		queryTimes:  make(map[string][]time.Duration),
	}, nil
}

// Initialize creates the data directories and applies schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	return d.InitializeWith(ctx, DuckDBOptions{})
}

// InitializeWith is Initialize with session settings.
func (d *DuckDBStorage) InitializeWith(ctx context.Context, opts DuckDBOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB storage", "catalog", d.catalogPath, "data_dir", d.dataDir)

	for _, dir := range []string{filepath.Join(d.dataDir, barsDir), filepath.Join(d.dataDir, derivedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewStorageError("initialize", "", "", fmt.Errorf("failed to create %s: %w", dir, err))
		}
	}

	d.configureSession(ctx, opts)

	if err := NewMigrationManager(d.db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("failed to migrate schema: %w", err))
	}

	d.logger.Info("DuckDB storage initialized successfully")
	return nil
}

func (d *DuckDBStorage) configureSession(ctx context.Context, opts DuckDBOptions) {
	settings := []string{"SET enable_progress_bar = false"}
	if opts.MemoryLimit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = %s", sqlString(opts.MemoryLimit)))
	}
	if opts.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", opts.Threads))
	}
	for _, s := range settings {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			d.logger.Warn("failed to apply setting", "setting", s, "error", err)
		}
	}
}

// Close implements StorageManager.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

// HealthCheck implements StorageManager.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewQueryError("", "SELECT 1", err)
	}
	return nil
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, NewStorageError("connect", "", "", fmt.Errorf("database connection is closed"))
	}
	return d.db, nil
}

func (d *DuckDBStorage) recordQueryTime(op string, start time.Time) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	times := append(d.queryTimes[op], time.Since(start))
	if len(times) > 100 {
		times = times[len(times)-100:]
	}
	d.queryTimes[op] = times
}

// QueryPerformance returns the average duration per operation.
func (d *DuckDBStorage) QueryPerformance() map[string]time.Duration {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	out := make(map[string]time.Duration, len(d.queryTimes))
	for op, times := range d.queryTimes {
		var total time.Duration
		for _, t := range times {
			total += t
		}
		out[op] = total / time.Duration(len(times))
	}
	return out
}

func (d *DuckDBStorage) lockPartition(dataset, instrumentID string) func() {
	v, _ := d.partLocks.LoadOrStore(partitionKey(dataset, instrumentID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (d *DuckDBStorage) barPath(instrumentID string) string {
	return filepath.Join(d.dataDir, barsDir, instrumentID+parquetExt)
}

func (d *DuckDBStorage) signalPath(dataset, instrumentID string) string {
	return filepath.Join(d.dataDir, derivedDir, dataset, instrumentID+parquetExt)
}

// sqlString quotes s as a SQL string literal.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// validPartitionName rejects ids that would escape the data directory.
func validPartitionName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

// writePartition stages rows into a Parquet file next to finalPath and
// renames it over finalPath. columns is the DDL column list; appendRows
// feeds the appender. version is written to the file's key-value metadata.
func (d *DuckDBStorage) writePartition(ctx context.Context, dataset, instrumentID, finalPath, columns string,
	version models.Version, appendRows func(app *duckdb.Appender) error) error {

	start := time.Now()
	defer d.recordQueryTime("write_partition", start)

	db, err := d.conn()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return &apperrors.PartitionWriteError{Dataset: dataset, InstrumentID: instrumentID, Phase: "stage", Err: err}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	stagingPath := filepath.Join(filepath.Dir(finalPath), "."+filepath.Base(finalPath)+"."+id+".staging")
	table := "stage_" + id

	stageErr := func(err error) error {
		_ = os.Remove(stagingPath)
		return &apperrors.PartitionWriteError{Dataset: dataset, InstrumentID: instrumentID, Phase: "stage", Err: err}
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return stageErr(fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, columns)); err != nil {
		return stageErr(fmt.Errorf("failed to create staging table: %w", err))
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+table); err != nil {
			d.logger.Warn("failed to drop staging table", "table", table, "error", err)
		}
	}()

	err = conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a driver connection")
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		if err := appendRows(appender); err != nil {
			_ = appender.Close()
			return err
		}
		return appender.Close()
	})
	if err != nil {
		return stageErr(err)
	}

	copySQL := fmt.Sprintf("COPY (SELECT * FROM %s ORDER BY date) TO %s (FORMAT PARQUET, KV_METADATA {%s: '%d'})",
		table, sqlString(stagingPath), versionKey, uint64(version))
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		return stageErr(fmt.Errorf("failed to write staging file: %w", err))
	}

	if d.stageHook != nil {
		if err := d.stageHook(dataset, instrumentID, stagingPath); err != nil {
			return stageErr(err)
		}
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return &apperrors.PartitionWriteError{Dataset: dataset, InstrumentID: instrumentID, Phase: "swap", Err: err}
	}

	d.logger.Debug("partition swapped",
		"dataset", dataset,
		"instrument", instrumentID,
		"duration", time.Since(start))
	return nil
}

const barColumns = `instrument_id VARCHAR NOT NULL, date DATE NOT NULL, open DOUBLE NOT NULL, high DOUBLE NOT NULL,
	low DOUBLE NOT NULL, close DOUBLE NOT NULL, volume DOUBLE NOT NULL, version BIGINT NOT NULL`

const signalColumns = `instrument_id VARCHAR NOT NULL, date DATE NOT NULL, value DOUBLE NOT NULL, version BIGINT NOT NULL`

func (d *DuckDBStorage) writeBars(ctx context.Context, instrumentID string, bars []models.Bar, version models.Version) error {
	return d.writePartition(ctx, models.BarsDataset, instrumentID, d.barPath(instrumentID), barColumns, version,
		func(app *duckdb.Appender) error {
			for _, b := range bars {
				if err := app.AppendRow(instrumentID, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume, int64(version)); err != nil {
					return fmt.Errorf("failed to append %s: %w", b.String(), err)
				}
			}
			return nil
		})
}

// partitionVersion reads the version from the file's key-value metadata; ok
// is false for files written without it.
func partitionVersion(ctx context.Context, db *sql.DB, path string) (models.Version, bool, error) {
	query := fmt.Sprintf(`SELECT decode(value) FROM parquet_kv_metadata(%s) WHERE decode(key) = %s`,
		sqlString(path), sqlString(versionKey))
	var raw string
	err := db.QueryRowContext(ctx, query).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, NewQueryError("", query, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, NewQueryError("", query, fmt.Errorf("bad %s %q: %w", versionKey, raw, err))
	}
	return models.Version(v), true, nil
}

// readBars loads a partition file; ok is false when it does not exist.
func (d *DuckDBStorage) readBars(ctx context.Context, instrumentID string) (*models.BarPartition, bool, error) {
	start := time.Now()
	defer d.recordQueryTime("read_bars", start)

	path := d.barPath(instrumentID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, false, nil
	}
	db, err := d.conn()
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf(`SELECT date, open, high, low, close, volume, version FROM read_parquet(%s) ORDER BY date`, sqlString(path))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, false, NewQueryError(models.BarsDataset, query, err)
	}
	defer rows.Close()

	p := &models.BarPartition{InstrumentID: instrumentID, Dataset: models.BarsDataset}
	for rows.Next() {
		b := models.Bar{InstrumentID: instrumentID}
		var version int64
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &version); err != nil {
			return nil, false, NewQueryError(models.BarsDataset, query, err)
		}
		b.Date = models.TruncateDay(b.Date)
		if models.Version(version) > p.Version {
			p.Version = models.Version(version)
		}
		p.Rows = append(p.Rows, b)
	}
	if err := rows.Err(); err != nil {
		return nil, false, NewQueryError(models.BarsDataset, query, err)
	}
	// single connection: release it before the metadata query
	rows.Close()

	if v, ok, err := partitionVersion(ctx, db, path); err != nil {
		return nil, false, err
	} else if ok {
		p.Version = v
	}
	return p, true, nil
}

// AppendBars implements BarStore.
func (d *DuckDBStorage) AppendBars(ctx context.Context, instrumentID string, bars []models.Bar) error {
	if err := validPartitionName(instrumentID); err != nil {
		return NewInsertError(models.BarsDataset, err)
	}
	if len(bars) == 0 {
		return nil
	}
	bars = normalizeBars(bars)

	unlock := d.lockPartition(models.BarsDataset, instrumentID)
	defer unlock()

	current, _, err := d.readBars(ctx, instrumentID)
	if err != nil {
		return err
	}
	var existing []models.Bar
	var version models.Version
	if current != nil {
		existing, version = current.Rows, current.Version
	}
	if err := checkAppend(instrumentID, existing, bars); err != nil {
		return NewInsertError(models.BarsDataset, err)
	}

	all := make([]models.Bar, 0, len(existing)+len(bars))
	all = append(all, existing...)
	all = append(all, bars...)
	if err := d.writeBars(ctx, instrumentID, all, version); err != nil {
		return err
	}

	d.logger.Debug("appended bars", "instrument", instrumentID, "count", len(bars), "total", len(all))
	return nil
}

// ReadBars implements BarStore.
func (d *DuckDBStorage) ReadBars(ctx context.Context, instrumentID string) (*models.BarPartition, error) {
	if err := validPartitionName(instrumentID); err != nil {
		return nil, NewQueryError(models.BarsDataset, "", err)
	}
	p, ok, err := d.readBars(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bars for %s: %w", instrumentID, ErrNotFound)
	}
	return p, nil
}

// ReplaceBars implements BarStore.
func (d *DuckDBStorage) ReplaceBars(ctx context.Context, instrumentID string, bars []models.Bar, version models.Version) error {
	if err := validPartitionName(instrumentID); err != nil {
		return NewUpdateError(models.BarsDataset, err)
	}
	if err := models.ValidateSeries(instrumentID, bars); err != nil {
		return NewUpdateError(models.BarsDataset, err)
	}

	unlock := d.lockPartition(models.BarsDataset, instrumentID)
	defer unlock()
	return d.writeBars(ctx, instrumentID, normalizeBars(bars), version)
}

// ListInstruments implements BarStore.
func (d *DuckDBStorage) ListInstruments(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.dataDir, barsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewQueryError(models.BarsDataset, "", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, parquetExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, parquetExt))
	}
	sort.Strings(out)
	return out, nil
}

// ReadSignals implements DerivedStore.
func (d *DuckDBStorage) ReadSignals(ctx context.Context, dataset, instrumentID string) (*models.SignalPartition, error) {
	start := time.Now()
	defer d.recordQueryTime("read_signals", start)

	if err := validPartitionName(dataset); err != nil {
		return nil, NewQueryError(dataset, "", err)
	}
	if err := validPartitionName(instrumentID); err != nil {
		return nil, NewQueryError(dataset, "", err)
	}

	path := d.signalPath(dataset, instrumentID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s for %s: %w", dataset, instrumentID, ErrNotFound)
	}
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT date, value, version FROM read_parquet(%s) ORDER BY date`, sqlString(path))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(dataset, query, err)
	}
	defer rows.Close()

	p := &models.SignalPartition{InstrumentID: instrumentID, Dataset: dataset}
	for rows.Next() {
		pt := models.SignalPoint{InstrumentID: instrumentID}
		var version int64
		if err := rows.Scan(&pt.Date, &pt.Value, &version); err != nil {
			return nil, NewQueryError(dataset, query, err)
		}
		pt.Date = models.TruncateDay(pt.Date)
		if models.Version(version) > p.Version {
			p.Version = models.Version(version)
		}
		p.Rows = append(p.Rows, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(dataset, query, err)
	}
	// single connection: release it before the metadata query
	rows.Close()

	if v, ok, err := partitionVersion(ctx, db, path); err != nil {
		return nil, err
	} else if ok {
		p.Version = v
	}
	return p, nil
}

// ReplaceSignals implements DerivedStore.
func (d *DuckDBStorage) ReplaceSignals(ctx context.Context, dataset, instrumentID string, rows []models.SignalPoint, version models.Version) error {
	if err := validPartitionName(dataset); err != nil {
		return NewUpdateError(dataset, err)
	}
	if err := validPartitionName(instrumentID); err != nil {
		return NewUpdateError(dataset, err)
	}

	unlock := d.lockPartition(dataset, instrumentID)
	defer unlock()

	rows = normalizeSignals(rows)
	return d.writePartition(ctx, dataset, instrumentID, d.signalPath(dataset, instrumentID), signalColumns, version,
		func(app *duckdb.Appender) error {
			for _, r := range rows {
				if err := app.AppendRow(instrumentID, r.Date, r.Value, int64(version)); err != nil {
					return fmt.Errorf("failed to append %s row %s: %w", dataset, r.Date.Format(models.DateLayout), err)
				}
			}
			return nil
		})
}

// Append implements Registry.
func (d *DuckDBStorage) Append(ctx context.Context, entry models.RegistryEntry) error {
	start := time.Now()
	defer d.recordQueryTime("registry_append", start)

	db, err := d.conn()
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	key := entry.Key()
	exists, err := d.contains(ctx, db, key)
	if err != nil {
		return err
	}
	if exists {
		return &apperrors.DuplicateEventError{Key: key.String()}
	}

	query := `INSERT INTO corporate_action_registry
		(instrument_id, event_date, inferred_ratio, event_type, confidence, status, applied_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := db.ExecContext(ctx, query,
		key.InstrumentID, key.EventDate, key.Ratio, string(entry.EventType), entry.Confidence,
		string(entry.Status), entry.AppliedAt, int64(entry.Version)); err != nil {
		if isConstraintViolation(err) {
			return &apperrors.DuplicateEventError{Key: key.String()}
		}
		return NewInsertError("corporate_action_registry", err)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate key")
}

// Contains implements Registry.
func (d *DuckDBStorage) Contains(ctx context.Context, key models.EventKey) (bool, error) {
	db, err := d.conn()
	if err != nil {
		return false, err
	}
	return d.contains(ctx, db, key)
}

func (d *DuckDBStorage) contains(ctx context.Context, db *sql.DB, key models.EventKey) (bool, error) {
	query := `SELECT COUNT(*) FROM corporate_action_registry
		WHERE instrument_id = $1 AND event_date = $2 AND inferred_ratio = $3`
	var n int
	if err := db.QueryRowContext(ctx, query, key.InstrumentID, key.EventDate, key.Ratio).Scan(&n); err != nil {
		return false, NewQueryError("corporate_action_registry", query, err)
	}
	return n > 0, nil
}

// ListEntries implements Registry.
func (d *DuckDBStorage) ListEntries(ctx context.Context, instrumentID string) ([]models.RegistryEntry, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	query := `SELECT instrument_id, event_date, inferred_ratio, event_type, confidence, status, applied_at, version
		FROM corporate_action_registry
		WHERE ($1 = '' OR instrument_id = $1)
		ORDER BY instrument_id, event_date`
	rows, err := db.QueryContext(ctx, query, instrumentID)
	if err != nil {
		return nil, NewQueryError("corporate_action_registry", query, err)
	}
	defer rows.Close()

	var out []models.RegistryEntry
	for rows.Next() {
		var (
			e                 models.RegistryEntry
			eventType, status string
			version           int64
		)
		if err := rows.Scan(&e.InstrumentID, &e.EventDate, &e.InferredRatio, &eventType, &e.Confidence,
			&status, &e.AppliedAt, &version); err != nil {
			return nil, NewQueryError("corporate_action_registry", query, err)
		}
		e.EventDate = models.TruncateDay(e.EventDate)
		e.EventType = models.EventType(eventType)
		e.Status = models.EventStatus(status)
		e.Version = models.Version(version)
		out = append(out, e)
	}
	return out, rows.Err()
}

const eventColumns = `id, instrument_id, event_date, inferred_ratio, event_type, confidence, volume_corroborated,
	status, detection_method, daily_return, stage, last_error, note, created_at, updated_at, applied_digest`

// SaveEvent implements EventStore.
func (d *DuckDBStorage) SaveEvent(ctx context.Context, e *models.CorporateActionEvent) error {
	if e == nil || e.ID == "" {
		return NewInsertError("corporate_action_events", fmt.Errorf("event id is required"))
	}
	db, err := d.conn()
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO corporate_action_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	if _, err := db.ExecContext(ctx, query,
		e.ID, e.InstrumentID, models.TruncateDay(e.EventDate), e.InferredRatio, string(e.EventType),
		e.Confidence, e.VolumeCorroborated, string(e.Status), string(e.Method), e.DailyReturn,
		string(e.Stage), e.LastError, e.Note, e.CreatedAt, e.UpdatedAt, e.AppliedDigest); err != nil {
		return NewInsertError("corporate_action_events", err)
	}
	return nil
}

func scanEvent(scan func(dest ...any) error) (*models.CorporateActionEvent, error) {
	var (
		e                                models.CorporateActionEvent
		eventType, status, method, stage string
		lastError, note, digest          sql.NullString
	)
	if err := scan(&e.ID, &e.InstrumentID, &e.EventDate, &e.InferredRatio, &eventType, &e.Confidence,
		&e.VolumeCorroborated, &status, &method, &e.DailyReturn, &stage, &lastError, &note,
		&e.CreatedAt, &e.UpdatedAt, &digest); err != nil {
		return nil, err
	}
	e.EventDate = models.TruncateDay(e.EventDate)
	e.EventType = models.EventType(eventType)
	e.Status = models.EventStatus(status)
	e.Method = models.DetectionMethod(method)
	e.Stage = models.Stage(stage)
	e.LastError = lastError.String
	e.Note = note.String
	e.AppliedDigest = digest.String
	return &e, nil
}

// GetEvent implements EventStore.
func (d *DuckDBStorage) GetEvent(ctx context.Context, id string) (*models.CorporateActionEvent, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM corporate_action_events WHERE id = $1`
	e, err := scanEvent(db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, NewQueryError("corporate_action_events", query, err)
	}
	return e, nil
}

// FindEvent implements EventStore.
func (d *DuckDBStorage) FindEvent(ctx context.Context, instrumentID string, date time.Time) (*models.CorporateActionEvent, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	day := models.TruncateDay(date)
	query := `SELECT ` + eventColumns + ` FROM corporate_action_events
		WHERE instrument_id = $1 AND event_date = $2 ORDER BY created_at LIMIT 1`
	e, err := scanEvent(db.QueryRowContext(ctx, query, instrumentID, day).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s on %s: %w", instrumentID, day.Format(models.DateLayout), ErrNotFound)
	}
	if err != nil {
		return nil, NewQueryError("corporate_action_events", query, err)
	}
	return e, nil
}

// ListEvents implements EventStore.
func (d *DuckDBStorage) ListEvents(ctx context.Context, filter EventFilter) ([]models.CorporateActionEvent, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.InstrumentID != "" {
		args = append(args, filter.InstrumentID)
		where = append(where, fmt.Sprintf("instrument_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.Stages) > 0 {
		placeholders := make([]string, len(filter.Stages))
		for i, s := range filter.Stages {
			args = append(args, string(s))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "stage IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM corporate_action_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY instrument_id, event_date"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("corporate_action_events", query, err)
	}
	defer rows.Close()

	var out []models.CorporateActionEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, NewQueryError("corporate_action_events", query, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Reserve implements VersionLedger.
func (d *DuckDBStorage) Reserve(ctx context.Context, instrumentID string) (models.Version, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var next int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM consistency_versions`).Scan(&next); err != nil {
		return 0, NewQueryError("consistency_versions", "", err)
	}
	query := `INSERT INTO consistency_versions (version, instrument_id, reserved_at) VALUES ($1, $2, $3)`
	if _, err := db.ExecContext(ctx, query, next, instrumentID, time.Now().UTC()); err != nil {
		return 0, NewInsertError("consistency_versions", err)
	}
	return models.Version(next), nil
}

// Commit implements VersionLedger.
func (d *DuckDBStorage) Commit(ctx context.Context, version models.Version) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	query := `UPDATE consistency_versions SET committed_at = $1 WHERE version = $2`
	res, err := db.ExecContext(ctx, query, time.Now().UTC(), int64(version))
	if err != nil {
		return NewUpdateError("consistency_versions", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewUpdateError("consistency_versions", fmt.Errorf("version %s was never reserved", version))
	}
	return nil
}

// Latest implements VersionLedger.
func (d *DuckDBStorage) Latest(ctx context.Context) (models.Version, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	var v int64
	query := `SELECT COALESCE(MAX(version), 0) FROM consistency_versions WHERE committed_at IS NOT NULL`
	if err := db.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return 0, NewQueryError("consistency_versions", query, err)
	}
	return models.Version(v), nil
}

// Committed implements VersionLedger.
func (d *DuckDBStorage) Committed(ctx context.Context, version models.Version) (bool, error) {
	if version == 0 {
		return true, nil
	}
	db, err := d.conn()
	if err != nil {
		return false, err
	}
	var n int
	query := `SELECT COUNT(*) FROM consistency_versions WHERE version = $1 AND committed_at IS NOT NULL`
	if err := db.QueryRowContext(ctx, query, int64(version)).Scan(&n); err != nil {
		return false, NewQueryError("consistency_versions", query, err)
	}
	return n > 0, nil
}

// ImportCSV loads bars from a CSV file with columns instrument_id, date,
// open, high, low, close, volume and appends them per instrument. It
// returns the number of bars imported for each instrument.
func (d *DuckDBStorage) ImportCSV(ctx context.Context, path string) (map[string]int, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT CAST(instrument_id AS VARCHAR), CAST(date AS DATE), CAST(open AS DOUBLE),
		CAST(high AS DOUBLE), CAST(low AS DOUBLE), CAST(close AS DOUBLE), CAST(volume AS DOUBLE)
		FROM read_csv_auto(%s, header = true)
		ORDER BY 1, 2`, sqlString(path))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError("csv", query, err)
	}

	byInstrument := make(map[string][]models.Bar)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.InstrumentID, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			rows.Close()
			return nil, NewQueryError("csv", query, err)
		}
		byInstrument[b.InstrumentID] = append(byInstrument[b.InstrumentID], b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, NewQueryError("csv", query, err)
	}
	rows.Close()

	counts := make(map[string]int, len(byInstrument))
	for instrumentID, bars := range byInstrument {
		if err := d.AppendBars(ctx, instrumentID, bars); err != nil {
			return counts, fmt.Errorf("import %s: %w", instrumentID, err)
		}
		counts[instrumentID] = len(bars)
	}
	return counts, nil
}
