// Corporate action engine CLI
// This application detects price discontinuities in stored daily bars,
// classifies them as corporate actions, and applies confirmed corrections
// with selective recalculation of the derived signal datasets.
//
// Usage:
//
//	corpact ingest --file bars.csv
//	corpact scan [--instrument VNM]...
//	corpact confirm <event-id>
//	corpact reject <event-id> --reason "cash dividend"
//	corpact apply
//	corpact events --status PENDING_REVIEW
//
// For detailed help on any command, use: corpact <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/go-corpaction-engine/internal/cascade"
	"github.com/johnayoung/go-corpaction-engine/internal/classifier"
	"github.com/johnayoung/go-corpaction-engine/internal/config"
	"github.com/johnayoung/go-corpaction-engine/internal/corrector"
	"github.com/johnayoung/go-corpaction-engine/internal/detector"
	apperrors "github.com/johnayoung/go-corpaction-engine/internal/errors"
	"github.com/johnayoung/go-corpaction-engine/internal/limits"
	applog "github.com/johnayoung/go-corpaction-engine/internal/logger"
	"github.com/johnayoung/go-corpaction-engine/internal/metrics"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
	"github.com/johnayoung/go-corpaction-engine/internal/recalc"
	"github.com/johnayoung/go-corpaction-engine/internal/storage"
)

// CLI version information
const (
	Version           = "1.0.0"
	AppName           = "corpact"
	DefaultConfigFile = "corpact.yaml"
)

// Exit codes. Batch commands exit with the code of their result status.
const (
	ExitSuccess        = cascade.ExitSuccess
	ExitUsageError     = 1
	ExitConfigError    = 2
	ExitStorageError   = 3
	ExitPartialFailure = cascade.ExitPartialFailure
	ExitReviewRequired = cascade.ExitReviewRequired
	ExitInterrupt      = 130
)

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage error")

// CLI represents the main CLI application
type CLI struct {
	config  *config.AppConfig
	loggers *applog.LoggerManager
	logger  *slog.Logger

	storage      storage.FullStorage
	duckdb       *storage.DuckDBStorage // nil unless storage.type is duckdb
	engine       *recalc.Engine
	orchestrator *cascade.Orchestrator
	recorder     *metrics.Recorder
}

// main is the entry point for the CLI application
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage()
		return ExitUsageError
	}

	command, args := argv[0], argv[1:]
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return ExitSuccess
	}
	if !knownCommand(command) {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		return ExitUsageError
	}
	if wantsHelp(args) {
		printCommandHelp(command)
		return ExitSuccess
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if code, err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		return code
	}
	defer cli.close()

	var (
		code int
		err  error
	)
	switch command {
	case "ingest":
		code, err = cli.handleIngest(ctx, args)
	case "scan":
		code, err = cli.handleScan(ctx, args)
	case "apply":
		code, err = cli.handleApply(ctx, args)
	case "confirm":
		code, err = cli.handleConfirm(ctx, args)
	case "reject":
		code, err = cli.handleReject(ctx, args)
	case "events":
		code, err = cli.handleEvents(ctx, args)
	}

	if ctx.Err() != nil {
		cli.logger.Warn("interrupted", "command", command)
		return ExitInterrupt
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			return ExitUsageError
		}
		cli.logger.Error("command failed", "command", command, "error", err, "error_type", apperrors.GetErrorType(err))
		if code == ExitSuccess {
			code = ExitStorageError
		}
	}
	return code
}

func knownCommand(command string) bool {
	switch command {
	case "ingest", "scan", "apply", "confirm", "reject", "events":
		return true
	}
	return false
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// initialize sets up the CLI application components. On failure it returns
// the exit code matching the failed layer.
func (cli *CLI) initialize(ctx context.Context) (int, error) {
	configPath := os.Getenv(config.EnvPrefix + "_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigFile
	}

	cfg, err := config.NewConfigManager(configPath, slog.Default()).LoadConfig(ctx)
	if err != nil {
		return ExitConfigError, fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	loggers, err := applog.NewLoggerManager(cfg.Logging)
	if err != nil {
		return ExitConfigError, fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.loggers = loggers
	cli.logger = loggers.GetLogger()
	slog.SetDefault(cli.logger)

	table, err := createLimitTable(cfg.Limits)
	if err != nil {
		return ExitConfigError, fmt.Errorf("failed to load exchange limits: %w", err)
	}

	signals, err := recalc.SignalsByName(cfg.Recalc.Signals)
	if err != nil {
		return ExitConfigError, fmt.Errorf("invalid recalc signals: %w", err)
	}

	_, shutdown, err := cfg.Cascade.Durations()
	if err != nil {
		return ExitConfigError, err
	}

	if err := cli.createStorage(ctx); err != nil {
		return ExitStorageError, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if cfg.Metrics.Enabled {
		cli.recorder = metrics.New(cfg.Metrics.Namespace)
	}

	retrier := apperrors.NewErrorClassifier(cfg.ErrorHandling.RetryPolicy, loggers.GetComponentLogger("retry"))
	cli.engine = recalc.NewEngine(cli.storage, cli.storage, signals, cfg.Recalc.MinLookbackDays,
		loggers.GetComponentLogger("recalc"))

	det := detector.NewDetector(cli.storage, table, &detector.DetectorConfig{
		Window:          cfg.Detector.Window,
		MinPeriods:      cfg.Detector.MinPeriods,
		ZScoreThreshold: cfg.Detector.ZScoreThreshold,
		MaxGapDays:      cfg.Detector.MaxGapDays,
	}, loggers.GetComponentLogger("detector"))

	cls := classifier.NewClassifier(&classifier.ClassifierConfig{
		Tolerance:             cfg.Classifier.Tolerance,
		DividendMinReturn:     cfg.Classifier.DividendMinReturn,
		DividendMaxReturn:     cfg.Classifier.DividendMaxReturn,
		VolumeMultiple:        cfg.Classifier.VolumeMultiple,
		VolumeWindow:          cfg.Classifier.VolumeWindow,
		AutoConfirmConfidence: cfg.Classifier.AutoConfirmConfidence,
	}, nil, loggers.GetComponentLogger("classifier"))

	applier := corrector.NewApplier(cli.storage, cli.storage, cli.storage, cli.engine, retrier,
		loggers.GetComponentLogger("corrector"))

	cli.orchestrator = cascade.NewOrchestrator(cli.storage, det, cls, applier, cli.engine, cli.recorder,
		&cascade.Config{
			Workers:         cfg.Cascade.Workers,
			QueueSize:       cfg.Cascade.QueueSize,
			RatePerSecond:   cfg.Cascade.RatePerSecond,
			ShutdownTimeout: shutdown,
		}, loggers.GetComponentLogger("cascade"))

	return ExitSuccess, nil
}

// createStorage opens the configured storage backend
func (cli *CLI) createStorage(ctx context.Context) error {
	cfg := cli.config.Storage
	switch cfg.Type {
	case "duckdb":
		impl, err := storage.NewDuckDBStorage(cfg.CatalogFile(), cfg.DataDir, cli.loggers.GetComponentLogger("storage"))
		if err != nil {
			return err
		}
		if err := impl.InitializeWith(ctx, storage.DuckDBOptions{MemoryLimit: cfg.MemoryLimit, Threads: cfg.Threads}); err != nil {
			impl.Close()
			return fmt.Errorf("failed to initialize storage schema: %w", err)
		}
		cli.duckdb = impl
		cli.storage = impl
	case "memory":
		cli.storage = storage.NewMemoryStorage()
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	return cli.storage.HealthCheck(ctx)
}

// createLimitTable builds the limit table from config, then merges the
// optional reference file over it.
func createLimitTable(cfg config.LimitsConfig) (*limits.Table, error) {
	table, err := limits.NewTable(cfg.Venues, cfg.Instruments, cfg.DefaultVenue)
	if err != nil {
		return nil, err
	}
	if cfg.File == "" {
		return table, nil
	}
	return limits.LoadFile(cfg.File, table)
}

func (cli *CLI) close() {
	if cli.storage != nil {
		if err := cli.storage.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.loggers != nil {
		cli.loggers.Close()
	}
}

// writeMetrics exports the batch metrics when a textfile target is set.
func (cli *CLI) writeMetrics() {
	if cli.recorder == nil || cli.config.Metrics.Textfile == "" {
		return
	}
	if err := cli.recorder.WriteTextfile(cli.config.Metrics.Textfile); err != nil {
		cli.logger.Warn("failed to write metrics textfile", "path", cli.config.Metrics.Textfile, "error", err)
	}
}

// batchContext bounds a batch by the configured batch timeout.
func (cli *CLI) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	batch, _, err := cli.config.Cascade.Durations()
	if err != nil || batch <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, batch)
}

// handleIngest loads bars from a CSV file and rebuilds the derived
// datasets of every instrument it touched.
func (cli *CLI) handleIngest(ctx context.Context, args []string) (int, error) {
	flags, err := parseIngestFlags(args)
	if err != nil {
		return ExitUsageError, err
	}
	if flags.File == "" {
		return ExitUsageError, fmt.Errorf("%w: --file is required", errUsage)
	}
	if cli.duckdb == nil {
		return ExitConfigError, fmt.Errorf("ingest requires storage.type duckdb, got %s", cli.config.Storage.Type)
	}

	start := time.Now()
	imported, err := cli.duckdb.ImportCSV(ctx, flags.File)
	if err != nil {
		return ExitStorageError, fmt.Errorf("import %s: %w", flags.File, err)
	}

	latest, err := cli.storage.Latest(ctx)
	if err != nil {
		return ExitStorageError, err
	}
	for _, id := range sortedKeys(imported) {
		if err := cli.engine.Rebuild(applog.WithInstrument(ctx, id), id, latest); err != nil {
			return ExitStorageError, fmt.Errorf("rebuild derived datasets for %s: %w", id, err)
		}
	}

	cli.logger.Info("ingest completed", "file", flags.File, "instruments", len(imported), "duration", time.Since(start))
	return ExitSuccess, outputIngest(flags.Format, imported)
}

// handleScan handles the 'scan' command
func (cli *CLI) handleScan(ctx context.Context, args []string) (int, error) {
	flags, err := parseScanFlags(args)
	if err != nil {
		return ExitUsageError, err
	}

	ctx, cancel := cli.batchContext(ctx)
	defer cancel()

	summary, err := cli.orchestrator.Scan(ctx, flags.Instruments)
	cli.writeMetrics()
	if summary == nil {
		return ExitStorageError, err
	}
	if outErr := outputSummary(flags.Format, summary); outErr != nil {
		return ExitStorageError, outErr
	}
	return summary.Status.ExitCode(), err
}

// handleApply handles the 'apply' command
func (cli *CLI) handleApply(ctx context.Context, args []string) (int, error) {
	flags, err := parseOutputFlags(args)
	if err != nil {
		return ExitUsageError, err
	}

	ctx, cancel := cli.batchContext(ctx)
	defer cancel()

	summary, err := cli.orchestrator.Apply(ctx)
	cli.writeMetrics()
	if summary == nil {
		return ExitStorageError, err
	}
	if outErr := outputSummary(flags.Format, summary); outErr != nil {
		return ExitStorageError, outErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitPartialFailure, fmt.Errorf("batch timed out: %w", err)
	}
	return summary.Status.ExitCode(), err
}

// handleConfirm handles the 'confirm' command
func (cli *CLI) handleConfirm(ctx context.Context, args []string) (int, error) {
	flags, err := parseDecisionFlags(args)
	if err != nil {
		return ExitUsageError, err
	}

	event, err := cli.orchestrator.Confirm(ctx, flags.EventID)
	if err != nil {
		return decisionExitCode(err), err
	}
	return ExitSuccess, outputEvents(flags.Format, []models.CorporateActionEvent{*event})
}

// handleReject handles the 'reject' command
func (cli *CLI) handleReject(ctx context.Context, args []string) (int, error) {
	flags, err := parseDecisionFlags(args)
	if err != nil {
		return ExitUsageError, err
	}

	event, err := cli.orchestrator.Reject(ctx, flags.EventID, flags.Reason)
	if err != nil {
		return decisionExitCode(err), err
	}
	return ExitSuccess, outputEvents(flags.Format, []models.CorporateActionEvent{*event})
}

// decisionExitCode separates unknown or undecidable events, which are
// caller mistakes, from storage failures.
func decisionExitCode(err error) int {
	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		return ExitStorageError
	}
	return ExitUsageError
}

// handleEvents handles the 'events' command
func (cli *CLI) handleEvents(ctx context.Context, args []string) (int, error) {
	flags, err := parseEventsFlags(args)
	if err != nil {
		return ExitUsageError, err
	}

	events, err := cli.orchestrator.Events(ctx, storage.EventFilter{
		InstrumentID: flags.Instrument,
		Status:       flags.Status,
	})
	if err != nil {
		return ExitStorageError, err
	}
	return ExitSuccess, outputEvents(flags.Format, events)
}
