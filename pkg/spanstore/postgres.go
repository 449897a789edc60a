// PostgreSQL-backed span store over pgxpool
package spanstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

// Postgres stores spans in a PostgreSQL database behind a pgxpool.Pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database at dsn, applies migrations, and
// instruments every query with an OpenTelemetry tracer.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("spanstore: parse postgres DSN: %w", err)
	}
	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{
		Name: "bellhop-spanstore",
	}

	if err := migratePostgres(cfg.ConnConfig); err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("spanstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("spanstore: ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) WriteSpans(ctx context.Context, traceID string, spans []waterfall.Span) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("spanstore: begin write: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, sp := range spans {
		batch.Queue(`
			INSERT INTO spans (trace_id, span_id, parent_span_id, start_ns, end_ns, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (trace_id, span_id) DO UPDATE SET
				parent_span_id = excluded.parent_span_id,
				start_ns = excluded.start_ns,
				end_ns = excluded.end_ns,
				payload = excluded.payload`,
			traceID, sp.SpanID, sp.ParentSpanID,
			sp.StartTime.UnixNano(), sp.EndTime.UnixNano(), pgPayload(sp.Payload))
	}
	br := tx.SendBatch(ctx, batch)
	for range spans {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("spanstore: upsert spans: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("spanstore: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("spanstore: commit write: %w", err)
	}
	return nil
}

func (p *Postgres) Spans(ctx context.Context, traceID string) ([]waterfall.Span, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT span_id, parent_span_id, start_ns, end_ns, payload
		FROM spans WHERE trace_id = $1`, traceID)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query spans: %w", err)
	}
	defer rows.Close()

	var out []waterfall.Span
	for rows.Next() {
		var (
			sp             waterfall.Span
			startNS, endNS int64
			payload        []byte
		)
		if err := rows.Scan(&sp.SpanID, &sp.ParentSpanID, &startNS, &endNS, &payload); err != nil {
			return nil, fmt.Errorf("spanstore: scan span: %w", err)
		}
		sp.StartTime = time.Unix(0, startNS).UTC()
		sp.EndTime = time.Unix(0, endNS).UTC()
		if len(payload) > 0 {
			sp.Payload = json.RawMessage(payload)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spanstore: read spans: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrTraceNotFound
	}
	return out, nil
}

func (p *Postgres) Traces(ctx context.Context) ([]TraceSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT trace_id, COUNT(*), MIN(start_ns), MAX(end_ns)
		FROM spans
		GROUP BY trace_id
		ORDER BY MIN(start_ns), trace_id`)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var (
			sum            TraceSummary
			spanCount      int64
			startNS, endNS int64
		)
		if err := rows.Scan(&sum.TraceID, &spanCount, &startNS, &endNS); err != nil {
			return nil, fmt.Errorf("spanstore: scan trace summary: %w", err)
		}
		sum.SpanCount = int(spanCount)
		sum.StartTime = time.Unix(0, startNS).UTC()
		sum.EndTime = time.Unix(0, endNS).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spanstore: read traces: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// postgresWaterfallQuery mirrors sqliteWaterfallQuery in Postgres dialect:
// $1 instead of ?, lpad instead of printf. Every textual ORDER BY pins
// COLLATE "C" so span IDs and sort keys compare bytewise no matter which
// locale the database was created with.
const postgresWaterfallQuery = `
WITH RECURSIVE
span_rows AS (
    SELECT span_id, parent_span_id, start_ns, end_ns, payload
    FROM spans
    WHERE trace_id = $1
),
edges AS (
    SELECT span_id, start_ns,
        CASE
            WHEN parent_span_id = '' THEN ''
            WHEN parent_span_id <> span_id
                 AND parent_span_id IN (SELECT span_id FROM span_rows)
                THEN 'p:' || parent_span_id
            ELSE 'm:' || parent_span_id
        END AS attach_key
    FROM span_rows
),
missing_roots AS (
    SELECT DISTINCT substr(attach_key, 3) AS missing_id
    FROM edges
    WHERE attach_key LIKE 'm:%'
),
reach (missing_id, span_id, start_ns) AS (
    SELECT m.missing_id, e.span_id, e.start_ns
    FROM missing_roots m
    JOIN edges e ON e.attach_key = 'm:' || m.missing_id
    UNION ALL
    SELECT r.missing_id, e.span_id, e.start_ns
    FROM reach r
    JOIN edges e ON e.attach_key = 'p:' || r.span_id
),
explicit_roots AS (
    SELECT span_id,
           ROW_NUMBER() OVER (ORDER BY start_ns, span_id COLLATE "C") AS rnk
    FROM edges
    WHERE attach_key = ''
),
missing_order AS (
    SELECT missing_id, MIN(start_ns) AS min_start
    FROM reach
    GROUP BY missing_id
),
missing_ranked AS (
    SELECT missing_id,
           (SELECT COUNT(*) FROM explicit_roots)
               + ROW_NUMBER() OVER (ORDER BY min_start, missing_id COLLATE "C") AS rnk
    FROM missing_order
),
child_rank AS (
    SELECT span_id, attach_key,
           ROW_NUMBER() OVER (PARTITION BY attach_key ORDER BY start_ns, span_id COLLATE "C") AS rnk
    FROM edges
    WHERE attach_key <> ''
),
walk (kind, span_id, depth, sort_key, attach) AS (
    SELECT 'present', span_id, 0, lpad(rnk::text, 8, '0'), 'p:' || span_id
    FROM explicit_roots
    UNION ALL
    SELECT 'missing', missing_id, 0, lpad(rnk::text, 8, '0'), 'm:' || missing_id
    FROM missing_ranked
    UNION ALL
    SELECT 'present', c.span_id, w.depth + 1,
           w.sort_key || '.' || lpad(c.rnk::text, 8, '0'), 'p:' || c.span_id
    FROM walk w
    JOIN child_rank c ON c.attach_key = w.attach
)
SELECT w.kind, w.span_id, w.depth, s.start_ns, s.end_ns, s.payload
FROM walk w
LEFT JOIN span_rows s ON s.span_id = w.span_id AND w.kind = 'present'
ORDER BY w.sort_key COLLATE "C"`

// WaterfallRows computes the ordered waterfall sequence entirely in SQL.
func (p *Postgres) WaterfallRows(ctx context.Context, traceID string) ([]waterfall.OutputRow, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM spans WHERE trace_id = $1)`, traceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("spanstore: check trace: %w", err)
	}
	if !exists {
		return nil, ErrTraceNotFound
	}

	rows, err := p.pool.Query(ctx, postgresWaterfallQuery, traceID)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query waterfall: %w", err)
	}
	defer rows.Close()

	var out []waterfall.OutputRow
	for rows.Next() {
		var (
			row            waterfall.OutputRow
			kind           string
			startNS, endNS *int64
			payload        []byte
		)
		if err := rows.Scan(&kind, &row.SpanID, &row.Depth, &startNS, &endNS, &payload); err != nil {
			return nil, fmt.Errorf("spanstore: scan waterfall row: %w", err)
		}
		row.Kind = waterfall.NodeKind(kind)
		if startNS != nil {
			row.StartTime = time.Unix(0, *startNS).UTC()
		}
		if endNS != nil {
			row.EndTime = time.Unix(0, *endNS).UTC()
		}
		if len(payload) > 0 {
			row.Payload = json.RawMessage(payload)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spanstore: read waterfall rows: %w", err)
	}
	return out, nil
}

// pgPayload maps an empty payload to SQL NULL so the JSONB column stays
// NULL rather than holding an empty string, which Postgres would reject.
func pgPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}
