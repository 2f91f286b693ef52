package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/johnayoung/go-corpaction-engine/internal/cascade"
	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// Output formatting functions

func outputJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputSummary prints a batch summary
func outputSummary(format string, s *cascade.BatchSummary) error {
	if format == "json" {
		return outputJSON(s)
	}

	fmt.Printf("%s %s: %s (exit %d)\n", strings.ToUpper(s.Operation), s.RunID, s.Status, s.Status.ExitCode())
	fmt.Printf("Instruments: %d  Detected: %d  Auto-confirmed: %d  Pending review: %d  Applied: %d  Failed: %d  Gaps: %d\n",
		s.Instruments, s.Detected, s.AutoConfirmed, s.PendingReview, s.Applied, s.Failed, s.Gaps)
	fmt.Printf("Consistency version: %s  Duration: %v\n", s.Version, s.Duration)

	if len(s.Events) > 0 {
		fmt.Println()
		printEventTable(s.Events)
	}
	if len(s.Failures) > 0 {
		fmt.Println("\nFailures:")
		for _, f := range s.Failures {
			fmt.Printf("  - %s\n", f)
		}
	}
	return nil
}

// outputEvents prints events
func outputEvents(format string, events []models.CorporateActionEvent) error {
	if format == "json" {
		return outputJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}
	printEventTable(events)
	return nil
}

func printEventTable(events []models.CorporateActionEvent) {
	fmt.Printf("%-36s %-10s %-10s %-14s %-7s %-5s %-14s %-10s %-12s\n",
		"ID", "Instrument", "Date", "Type", "Ratio", "Conf", "Status", "Stage", "Method")
	fmt.Println(strings.Repeat("-", 128))
	for _, e := range events {
		fmt.Printf("%-36s %-10s %-10s %-14s %-7.4g %-5.2f %-14s %-10s %-12s\n",
			e.ID,
			e.InstrumentID,
			e.EventDate.Format(models.DateLayout),
			e.EventType,
			e.InferredRatio,
			e.Confidence,
			e.Status,
			e.Stage,
			e.Method)
		if e.LastError != "" {
			fmt.Printf("    last error: %s\n", e.LastError)
		}
		if e.Note != "" {
			fmt.Printf("    note: %s\n", e.Note)
		}
	}
}

// outputIngest prints the per-instrument bar counts of an import
func outputIngest(format string, imported map[string]int) error {
	if format == "json" {
		return outputJSON(imported)
	}
	total := 0
	for _, id := range sortedKeys(imported) {
		fmt.Printf("%-12s %d bars\n", id, imported[id])
		total += imported[id]
	}
	fmt.Printf("Imported %d bars for %d instruments\n", total, len(imported))
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Help and usage functions

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Corporate action detection and correction v%s

USAGE:
    %s <command> [options]

COMMANDS:
    ingest      Import daily bars from CSV and rebuild derived datasets
    scan        Detect and classify price discontinuities
    confirm     Confirm a PENDING_REVIEW event
    reject      Reject a PENDING_REVIEW event
    apply       Correct, recompute and commit every confirmed event
    events      List stored events

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXIT CODES:
    0    success (NO_ANOMALIES, READY_TO_APPLY, APPLIED)
    1    usage error
    2    configuration error
    3    storage error
    4    PARTIAL_FAILURE
    10   REVIEW_REQUIRED
    130  interrupted

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (YAML or JSON), or the path in CORPACT_CONFIG
    - Environment variables: CORPACT_* (e.g., CORPACT_STORAGE_DATA_DIR)

    Example config file:
    storage:
      type: duckdb
      data_dir: data
    limits:
      default_venue: HOSE
      file: limits.yaml
    cascade:
      workers: 4

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, DefaultConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "ingest":
		fmt.Printf(`%s ingest - Import daily bars

USAGE:
    %s ingest --file <path> [--format table|json]

The CSV needs the columns instrument_id,date,open,high,low,close,volume.
Bars are appended per instrument and must be newer than the stored ones.
Requires storage.type duckdb.
`, AppName, AppName)
	case "scan":
		fmt.Printf(`%s scan - Detect and classify spikes

USAGE:
    %s scan [--instrument <id>]... [--format table|json]

OPTIONS:
    --instrument, -i <id>   Instrument to scan; repeat or comma-separate.
                            Defaults to every stored instrument.

Scan writes events only. Limit breaches matching a canonical ratio are
confirmed automatically; everything else waits in PENDING_REVIEW.
`, AppName, AppName)
	case "confirm":
		fmt.Printf(`%s confirm - Confirm a pending event

USAGE:
    %s confirm <event-id> [--format table|json]
`, AppName, AppName)
	case "reject":
		fmt.Printf(`%s reject - Reject a pending event

USAGE:
    %s reject <event-id> [--reason <text>] [--format table|json]
`, AppName, AppName)
	case "apply":
		fmt.Printf(`%s apply - Apply confirmed events

USAGE:
    %s apply [--format table|json]

Every confirmed event is rescaled, recomputed and committed. Instruments
are independent: a failure is reported and the others still commit.
Rerunning apply resumes failed events from their last completed stage.
`, AppName, AppName)
	case "events":
		fmt.Printf(`%s events - List events

USAGE:
    %s events [--status PENDING_REVIEW|CONFIRMED|REJECTED] [--instrument <id>] [--format table|json]
`, AppName, AppName)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
