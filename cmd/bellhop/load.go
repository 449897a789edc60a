// The load command parses trace exports and writes them to the span store
package main

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/andrewh/bellhop/pkg/tracein"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/spf13/cobra"
)

func loadCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "load [file...]",
		Short: "Load trace exports into the span store",
		Long: `Load parses OTLP/JSON or stdouttrace exports, groups spans by trace
and writes each trace to the span store. With no files it reads stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, otlp, or stdouttrace")

	return cmd
}

func runLoad(cmd *cobra.Command, paths []string, format string) error {
	spans, err := readSpans(paths, tracein.Format(format))
	if err != nil {
		return err
	}

	store, err := storeFromFlags(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort close after writes are committed

	backend, _ := cmd.Flags().GetString("store")
	if backend == "memory" {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: --store memory does not persist beyond this run")
	}

	byTrace := tracein.GroupByTrace(spans)
	loaded := make([]loadedTrace, 0, len(byTrace))
	for _, traceID := range slices.Sorted(maps.Keys(byTrace)) {
		group := tracein.ToWaterfall(byTrace[traceID])
		if err := store.WriteSpans(cmd.Context(), traceID, group); err != nil {
			return fmt.Errorf("writing trace %s: %w", traceID, err)
		}
		loaded = append(loaded, summarize(traceID, group))
	}

	renderLoadSummary(cmd.OutOrStdout(), loaded)
	return nil
}

func summarize(traceID string, spans []waterfall.Span) loadedTrace {
	l := loadedTrace{traceID: traceID, spans: len(spans)}
	for _, s := range spans {
		if l.start.IsZero() || s.StartTime.Before(l.start) {
			l.start = s.StartTime
		}
		if s.EndTime.After(l.end) {
			l.end = s.EndTime
		}
	}
	return l
}

// readSpans parses every input file, or stdin when none are given.
func readSpans(paths []string, format tracein.Format) ([]tracein.Span, error) {
	if len(paths) == 0 {
		return tracein.ParseSpans(os.Stdin, format)
	}
	var all []tracein.Span
	for _, path := range paths {
		spans, err := readSpanFile(path, format)
		if err != nil {
			return nil, err
		}
		all = append(all, spans...)
	}
	return all, nil
}

func readSpanFile(path string, format tracein.Format) ([]tracein.Span, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied file path is expected
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close on read-only file

	spans, err := tracein.ParseSpans(f, format)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return spans, nil
}
