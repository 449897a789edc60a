// The replay command re-emits a stored trace through the OTel SDK
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andrewh/bellhop/pkg/replay"
	"github.com/andrewh/bellhop/pkg/spanstore"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

func validateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

type replayOptions struct {
	endpoint string
	stdout   bool
	protocol string
}

func replayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <trace-id>",
		Short: "Re-emit a stored trace through the OpenTelemetry SDK",
		Long: "Re-emit a stored trace through the OpenTelemetry SDK.\n\n" +
			"Spans are emitted with their original timestamps, names and attributes\n" +
			"but fresh span IDs; missing parents are synthesized so the trace stays\n" +
			"rooted. The original span IDs ride along as bellhop.span_id attributes.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing trace ID\n\nUsage: bellhop replay <trace-id>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "emit spans to stdout as JSON")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")

	return cmd
}

// checkEndpoint verifies an OTLP collector is reachable before the SDK buffers
// spans toward it, so a missing collector fails fast instead of silently
// dropping the batch at shutdown.
func checkEndpoint(endpoint, protocol, traceID string) error {
	host := endpoint
	if host == "" {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To emit spans as JSON to the terminal, use --stdout:\n"+
			"  bellhop replay --stdout %s\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  bellhop replay --endpoint collector.example.com:4318 %s", host, traceID, traceID)
	}
	_ = conn.Close()
	return nil
}

func runReplay(cmd *cobra.Command, traceID string, opts replayOptions) error {
	if err := validateProtocol(opts.protocol); err != nil {
		return err
	}
	if !opts.stdout {
		if err := checkEndpoint(opts.endpoint, opts.protocol, traceID); err != nil {
			return err
		}
	}

	store, err := storeFromFlags(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort close on read path

	ctx := cmd.Context()
	spans, err := store.Spans(ctx, traceID)
	if err != nil {
		if errors.Is(err, spanstore.ErrTraceNotFound) {
			return fmt.Errorf("%w: %s\n\nList stored traces with:\n  bellhop traces", spanstore.ErrTraceNotFound, traceID)
		}
		return err
	}

	tp, err := createReplayProvider(ctx, cmd, opts)
	if err != nil {
		return fmt.Errorf("creating tracer provider: %w", err)
	}

	stats, replayErr := replay.Replay(ctx, tp.Tracer("bellhop/replay"), waterfall.Build(spans))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "error shutting down tracer provider: %v\n", err)
	}
	if replayErr != nil {
		return replayErr
	}

	// Stats go to stderr so --stdout output stays parseable span JSON.
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Replayed trace %s: %d spans (%d synthesized, %d errors)\n",
		traceID, stats.Spans, stats.Synthesized, stats.Errors)
	return nil
}

// createReplayProvider builds a TracerProvider around the exporter the flags
// select. Stdout pairs with a simple processor so spans appear as they are
// emitted; collector exports batch.
func createReplayProvider(ctx context.Context, cmd *cobra.Command, opts replayOptions) (*sdktrace.TracerProvider, error) {
	exporter, err := createReplayExporter(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}

	var sp sdktrace.SpanProcessor
	if opts.stdout {
		sp = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		sp = sdktrace.NewBatchSpanProcessor(exporter)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "bellhop"),
		attribute.String("bellhop.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	), nil
}

func createReplayExporter(ctx context.Context, cmd *cobra.Command, opts replayOptions) (sdktrace.SpanExporter, error) {
	if opts.stdout {
		return stdouttrace.New(stdouttrace.WithWriter(cmd.OutOrStdout()))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	case "http/protobuf", "":
		var httpOpts []otlptracehttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.protocol)
	}
}
