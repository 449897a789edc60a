// The check command runs structural checks on a trace export
package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/andrewh/bellhop/pkg/tracein"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	var (
		maxDepth  int
		maxFanOut int
		maxSpans  int
		format    string
	)

	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Run structural checks on a trace export",
		Long: `Check parses an export without storing it and reports per-trace depth,
fan-out and span counts against limits, plus parent-link diagnostics.
With no file it reads stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxDepth < 0 || maxFanOut < 0 || maxSpans < 0 {
				return fmt.Errorf("limit flags must be non-negative")
			}

			spans, err := readSpans(args, tracein.Format(format))
			if err != nil {
				return err
			}

			rep := checkTraces(spans)

			anyFailed := false
			w := cmd.OutOrStdout()
			line := func(name string, value, limit int, detail string) {
				status := "PASS"
				if value > limit {
					status = "FAIL"
					anyFailed = true
				}
				_, _ = fmt.Fprintf(w, "%s  %s: %d (limit: %d)\n", status, name, value, limit)
				if detail != "" {
					_, _ = fmt.Fprintf(w, "      worst: %s\n", detail)
				}
			}

			var depthDetail, fanOutDetail, spansDetail string
			if rep.depthTrace != "" {
				depthDetail = "trace " + rep.depthTrace
			}
			if rep.fanOutTrace != "" {
				fanOutDetail = fmt.Sprintf("trace %s, span %s", rep.fanOutTrace, rep.fanOutSpan)
			}
			if rep.spansTrace != "" {
				spansDetail = "trace " + rep.spansTrace
			}

			line("max-depth", rep.maxDepth, maxDepth, depthDetail)
			line("max-fan-out", rep.maxFanOut, maxFanOut, fanOutDetail)
			line("max-spans", rep.maxSpans, maxSpans, spansDetail)

			_, _ = fmt.Fprintf(w, "\ntraces: %d, spans: %d, missing parents: %d, self-parents: %d, duplicate span IDs: %d\n",
				rep.traces, rep.spans, rep.missing, rep.selfParents, rep.duplicates)

			if anyFailed {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "fail if any trace's row depth exceeds this")
	cmd.Flags().IntVar(&maxFanOut, "max-fan-out", 100, "fail if children per span exceeds this")
	cmd.Flags().IntVar(&maxSpans, "max-spans", 10000, "fail if spans per trace exceeds this")
	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, otlp, or stdouttrace")

	return cmd
}

type checkReport struct {
	traces int
	spans  int

	maxDepth   int
	depthTrace string

	maxFanOut   int
	fanOutTrace string
	fanOutSpan  string

	maxSpans   int
	spansTrace string

	missing     int
	selfParents int
	duplicates  int
}

// checkTraces builds each trace's forest and measures the worst depth, the
// worst fan-out and the largest trace, plus parent-link diagnostics that the
// forest would otherwise absorb silently.
func checkTraces(spans []tracein.Span) checkReport {
	var rep checkReport

	byTrace := tracein.GroupByTrace(spans)
	rep.traces = len(byTrace)
	for _, traceID := range slices.Sorted(maps.Keys(byTrace)) {
		group := byTrace[traceID]
		rep.spans += len(group)
		if len(group) > rep.maxSpans {
			rep.maxSpans = len(group)
			rep.spansTrace = traceID
		}

		seen := make(map[string]int, len(group))
		for _, s := range group {
			seen[s.SpanID]++
			if s.ParentSpanID != "" && s.ParentSpanID == s.SpanID {
				rep.selfParents++
			}
		}
		for _, n := range seen {
			if n > 1 {
				rep.duplicates++
			}
		}

		f := waterfall.Build(tracein.ToWaterfall(group))
		for _, root := range f.Roots() {
			if root.Kind() == waterfall.KindMissing {
				rep.missing++
			}
			walkCheck(&rep, traceID, root, 0)
		}
	}

	return rep
}

func walkCheck(rep *checkReport, traceID string, node *waterfall.Node, depth int) {
	if depth > rep.maxDepth {
		rep.maxDepth = depth
		rep.depthTrace = traceID
	}
	children := node.Children()
	if len(children) > rep.maxFanOut {
		rep.maxFanOut = len(children)
		rep.fanOutTrace = traceID
		rep.fanOutSpan = node.SpanID()
	}
	for _, child := range children {
		walkCheck(rep, traceID, child, depth+1)
	}
}
