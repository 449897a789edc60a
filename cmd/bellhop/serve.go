// The serve command exposes the span store as a read-only HTTP JSON API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/andrewh/bellhop/pkg/spanstore"
	"github.com/andrewh/bellhop/pkg/telemetry"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	serveReadTimeout  = 10 * time.Second
	serveWriteTimeout = 30 * time.Second
)

// serveMeter resolves through the global provider, so instruments created
// before telemetry.Init are delegated to the real provider once it is set.
var serveMeter = telemetry.Meter("bellhop/serve")

type serveOptions struct {
	addr         string
	otlpEndpoint string
	otlpInsecure bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the span store as a read-only HTTP JSON API",
		Long: "Serve the span store as a read-only HTTP JSON API.\n\n" +
			"Endpoints:\n" +
			"  GET /api/traces                      stored trace summaries\n" +
			"  GET /api/traces/{traceID}/waterfall  ordered waterfall rows (?source=store for the store-side query)\n" +
			"  GET /healthz                         liveness\n\n" +
			"Ingestion stays file-based; load data first:\n" +
			"  bellhop load traces.json",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP endpoint for serve's own traces and metrics (empty = disabled)")
	cmd.Flags().BoolVar(&opts.otlpInsecure, "otlp-insecure", false, "use plain HTTP toward the OTLP endpoint")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, opts.otlpEndpoint, "bellhop", version, opts.otlpInsecure)
	if err != nil {
		return err
	}

	store, err := storeFromFlags(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort close after drain

	backend, _ := cmd.Flags().GetString("store")

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      newServeHandler(store, logger),
		ReadTimeout:  serveReadTimeout,
		WriteTimeout: serveWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", backend)
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	return nil
}

// newServeHandler wires the API routes and the middleware chain. Returned as
// a plain handler so tests can drive it without a listener.
func newServeHandler(store spanstore.Store, logger *slog.Logger) http.Handler {
	h := &serveHandlers{store: store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/traces", h.handleTraces)
	mux.HandleFunc("GET /api/traces/{traceID}/waterfall", h.handleWaterfall)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	// Middleware chain (outermost executes first):
	// request ID → metrics → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = metricsMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

type serveHandlers struct {
	store  spanstore.Store
	logger *slog.Logger
}

func (h *serveHandlers) handleTraces(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.Traces(r.Context())
	if err != nil {
		h.logger.Error("listing traces", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "listing traces failed")
		return
	}
	if summaries == nil {
		summaries = []spanstore.TraceSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *serveHandlers) handleWaterfall(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("traceID")
	source := r.URL.Query().Get("source")

	var rows []waterfall.OutputRow
	var err error
	switch source {
	case "store":
		wf, ok := h.store.(spanstore.Waterfaller)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "this store cannot compute rows itself, drop ?source=store")
			return
		}
		rows, err = wf.WaterfallRows(r.Context(), traceID)
	case "in-process", "":
		rows, err = waterfall.Resolve(r.Context(), h.store, traceID)
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported source %q, supported: in-process, store", source))
		return
	}
	if err != nil {
		if errors.Is(err, spanstore.ErrTraceNotFound) {
			writeError(w, r, http.StatusNotFound, "trace not found: "+traceID)
			return
		}
		h.logger.Error("resolving waterfall", "error", err,
			"trace_id", traceID, "request_id", requestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "resolving waterfall failed")
		return
	}

	if source == "" {
		source = "in-process"
	}
	if counter, mErr := serveMeter.Int64Counter("bellhop.waterfall.resolutions"); mErr == nil {
		counter.Add(r.Context(), 1, otelmetric.WithAttributes(attribute.String("source", source)))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *serveHandlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

// metricsMiddleware records the request counter. Instruments are created
// lazily and recording is best-effort.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if counter, err := serveMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(r.Context(), 1, otelmetric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
			))
		}
	})
}

// recoveryMiddleware converts handler panics into 500 responses so one bad
// request cannot take the server down.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// writeJSON writes data verbatim, so the waterfall endpoint serves the same
// row sequence as show --output json.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// apiError is the envelope for every non-2xx response.
type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Error:     message,
		RequestID: requestIDFromContext(r.Context()),
	})
}
