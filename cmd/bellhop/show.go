// The show command prints the ordered waterfall for one stored trace
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andrewh/bellhop/pkg/spanstore"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func showCmd() *cobra.Command {
	var (
		source string
		output string
	)

	cmd := &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Print the waterfall rows for a stored trace",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing trace ID\n\nUsage: bellhop show <trace-id>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, args[0], source, output)
		},
	}

	cmd.Flags().StringVar(&source, "source", "in-process", "row computation: in-process or store (store-side query when supported)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, or yaml")

	return cmd
}

func runShow(cmd *cobra.Command, traceID, source, output string) error {
	store, err := storeFromFlags(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort close on read path

	rows, err := fetchRows(cmd.Context(), store, traceID, source)
	if err != nil {
		if errors.Is(err, spanstore.ErrTraceNotFound) {
			return fmt.Errorf("%w: %s\n\nList stored traces with:\n  bellhop traces", spanstore.ErrTraceNotFound, traceID)
		}
		return err
	}

	switch output {
	case "table":
		renderWaterfall(cmd.OutOrStdout(), rows)
		return nil
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		return writeRowsYAML(cmd.OutOrStdout(), traceID, rows)
	default:
		return fmt.Errorf("unsupported output %q, supported: table, json, yaml", output)
	}
}

// fetchRows picks the realization that computes the row sequence: in-process
// tree building, or the store's own query. Both must produce the same
// sequence.
func fetchRows(ctx context.Context, store spanstore.Store, traceID, source string) ([]waterfall.OutputRow, error) {
	switch source {
	case "store":
		wf, ok := store.(spanstore.Waterfaller)
		if !ok {
			return nil, fmt.Errorf("the selected store cannot compute rows itself, rerun with --source in-process")
		}
		return wf.WaterfallRows(ctx, traceID)
	case "in-process", "":
		return waterfall.Resolve(ctx, store, traceID)
	default:
		return nil, fmt.Errorf("unsupported source %q, supported: in-process, store", source)
	}
}

// rowYAML mirrors waterfall.OutputRow field for field. yaml.v3 has no omitzero,
// so zero times on missing rows are dropped via omitempty, which treats the
// zero time.Time as empty.
type rowYAML struct {
	Kind      string    `yaml:"kind"`
	SpanID    string    `yaml:"span_id"`
	Depth     int       `yaml:"depth"`
	StartTime time.Time `yaml:"start_time,omitempty"`
	EndTime   time.Time `yaml:"end_time,omitempty"`
	Payload   string    `yaml:"payload,omitempty"`
}

func writeRowsYAML(w io.Writer, traceID string, rows []waterfall.OutputRow) error {
	out := make([]rowYAML, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowYAML{
			Kind:      string(r.Kind),
			SpanID:    r.SpanID,
			Depth:     r.Depth,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
			Payload:   string(r.Payload),
		})
	}

	if _, err := fmt.Fprintf(w, "# Waterfall for trace %s: %d rows\n\n", traceID, len(rows)); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("marshalling YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing YAML encoder: %w", err)
	}
	return nil
}
