package main

import (
	"fmt"
	"strings"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// Flag structures for parsing command line arguments

// OutputFlags is embedded by every command that prints results
type OutputFlags struct {
	Format string
}

// IngestFlags represents flags for the ingest command
type IngestFlags struct {
	OutputFlags
	File string
}

// ScanFlags represents flags for the scan command
type ScanFlags struct {
	OutputFlags
	Instruments []string
}

// DecisionFlags represents flags for the confirm and reject commands
type DecisionFlags struct {
	OutputFlags
	EventID string
	Reason  string
}

// EventsFlags represents flags for the events command
type EventsFlags struct {
	OutputFlags
	Instrument string
	Status     models.EventStatus
}

func defaultOutput() OutputFlags {
	return OutputFlags{Format: "table"}
}

// value returns the argument after args[i].
func value(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%w: %s requires a value", errUsage, args[i])
	}
	return args[i+1], nil
}

// parseFormat handles --format at args[i]; ok is false for other flags.
func (o *OutputFlags) parseFormat(args []string, i int) (ok bool, err error) {
	if args[i] != "--format" && args[i] != "-f" {
		return false, nil
	}
	format, err := value(args, i)
	if err != nil {
		return true, err
	}
	if format != "json" && format != "table" {
		return true, fmt.Errorf("%w: invalid format, must be: json or table", errUsage)
	}
	o.Format = format
	return true, nil
}

func unknownFlag(flag string) error {
	return fmt.Errorf("%w: unknown flag: %s", errUsage, flag)
}

// parseOutputFlags parses a command that only takes --format
func parseOutputFlags(args []string) (*OutputFlags, error) {
	flags := defaultOutput()
	for i := 0; i < len(args); i++ {
		ok, err := flags.parseFormat(args, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, unknownFlag(args[i])
		}
		i++
	}
	return &flags, nil
}

// parseIngestFlags parses command line arguments for the ingest command
func parseIngestFlags(args []string) (*IngestFlags, error) {
	flags := &IngestFlags{OutputFlags: defaultOutput()}
	for i := 0; i < len(args); i++ {
		if ok, err := flags.parseFormat(args, i); err != nil {
			return nil, err
		} else if ok {
			i++
			continue
		}

		switch args[i] {
		case "--file":
			v, err := value(args, i)
			if err != nil {
				return nil, err
			}
			flags.File = v
			i++
		default:
			return nil, unknownFlag(args[i])
		}
	}
	return flags, nil
}

// parseScanFlags parses command line arguments for the scan command.
// --instrument may repeat or carry a comma-separated list.
func parseScanFlags(args []string) (*ScanFlags, error) {
	flags := &ScanFlags{OutputFlags: defaultOutput()}
	for i := 0; i < len(args); i++ {
		if ok, err := flags.parseFormat(args, i); err != nil {
			return nil, err
		} else if ok {
			i++
			continue
		}

		switch args[i] {
		case "--instrument", "-i":
			v, err := value(args, i)
			if err != nil {
				return nil, err
			}
			for _, id := range strings.Split(v, ",") {
				if id = strings.TrimSpace(id); id != "" {
					flags.Instruments = append(flags.Instruments, id)
				}
			}
			i++
		default:
			return nil, unknownFlag(args[i])
		}
	}
	return flags, nil
}

// parseDecisionFlags parses `<event-id> [--reason text]`
func parseDecisionFlags(args []string) (*DecisionFlags, error) {
	flags := &DecisionFlags{OutputFlags: defaultOutput()}
	for i := 0; i < len(args); i++ {
		if ok, err := flags.parseFormat(args, i); err != nil {
			return nil, err
		} else if ok {
			i++
			continue
		}

		switch {
		case args[i] == "--reason" || args[i] == "-r":
			v, err := value(args, i)
			if err != nil {
				return nil, err
			}
			flags.Reason = v
			i++
		case strings.HasPrefix(args[i], "-"):
			return nil, unknownFlag(args[i])
		case flags.EventID == "":
			flags.EventID = args[i]
		default:
			return nil, fmt.Errorf("%w: unexpected argument: %s", errUsage, args[i])
		}
	}
	if flags.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", errUsage)
	}
	return flags, nil
}

// parseEventsFlags parses command line arguments for the events command
func parseEventsFlags(args []string) (*EventsFlags, error) {
	flags := &EventsFlags{OutputFlags: defaultOutput()}
	for i := 0; i < len(args); i++ {
		if ok, err := flags.parseFormat(args, i); err != nil {
			return nil, err
		} else if ok {
			i++
			continue
		}

		switch args[i] {
		case "--instrument", "-i":
			v, err := value(args, i)
			if err != nil {
				return nil, err
			}
			flags.Instrument = v
			i++
		case "--status", "-s":
			v, err := value(args, i)
			if err != nil {
				return nil, err
			}
			status := models.EventStatus(strings.ToUpper(v))
			if err := status.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", errUsage, err)
			}
			flags.Status = status
			i++
		default:
			return nil, unknownFlag(args[i])
		}
	}
	return flags, nil
}
