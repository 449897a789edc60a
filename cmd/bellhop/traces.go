// The traces command lists stored traces
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func tracesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "traces",
		Short: "List traces in the span store",
		Args:  cobra.NoArgs,
		RunE:  runTraces,
	}
}

func runTraces(cmd *cobra.Command, args []string) error {
	store, err := storeFromFlags(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort close on read path

	summaries, err := store.Traces(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing traces: %w", err)
	}
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No traces stored. Load an export first:\n  bellhop load traces.json")
		return nil
	}

	renderTraces(cmd.OutOrStdout(), summaries)
	return nil
}
