// SQLite-backed span store with a recursive-CTE waterfall query
package spanstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/andrewh/bellhop/pkg/waterfall"
)

// SQLite stores spans in a single SQLite database, on disk or in memory.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating it and applying
// migrations as needed. An empty path or ":memory:" yields an in-memory
// store that lives until Close.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("spanstore: open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps the in-memory
	// database from vanishing between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spanstore: ping sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) WriteSpans(ctx context.Context, traceID string, spans []waterfall.Span) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spanstore: begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spans (trace_id, span_id, parent_span_id, start_ns, end_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id, span_id) DO UPDATE SET
			parent_span_id = excluded.parent_span_id,
			start_ns = excluded.start_ns,
			end_ns = excluded.end_ns,
			payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("spanstore: prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sp := range spans {
		if _, err := stmt.ExecContext(ctx, traceID, sp.SpanID, sp.ParentSpanID,
			sp.StartTime.UnixNano(), sp.EndTime.UnixNano(), payloadValue(sp.Payload)); err != nil {
			return fmt.Errorf("spanstore: upsert span %s: %w", sp.SpanID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("spanstore: commit write: %w", err)
	}
	return nil
}

func (s *SQLite) Spans(ctx context.Context, traceID string) ([]waterfall.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, parent_span_id, start_ns, end_ns, payload
		FROM spans WHERE trace_id = ?`, traceID)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query spans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []waterfall.Span
	for rows.Next() {
		var (
			sp             waterfall.Span
			startNS, endNS int64
			payload        sql.NullString
		)
		if err := rows.Scan(&sp.SpanID, &sp.ParentSpanID, &startNS, &endNS, &payload); err != nil {
			return nil, fmt.Errorf("spanstore: scan span: %w", err)
		}
		sp.StartTime = time.Unix(0, startNS).UTC()
		sp.EndTime = time.Unix(0, endNS).UTC()
		if payload.Valid {
			sp.Payload = json.RawMessage(payload.String)
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

func (s *SQLite) Traces(ctx context.Context) ([]TraceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, COUNT(*), MIN(start_ns), MAX(end_ns)
		FROM spans
		GROUP BY trace_id
		ORDER BY MIN(start_ns), trace_id`)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TraceSummary
	for rows.Next() {
		var (
			sum            TraceSummary
			startNS, endNS int64
		)
		if err := rows.Scan(&sum.TraceID, &sum.SpanCount, &startNS, &endNS); err != nil {
			return nil, fmt.Errorf("spanstore: scan trace summary: %w", err)
		}
		sum.StartTime = time.Unix(0, startNS).UTC()
		sum.EndTime = time.Unix(0, endNS).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spanstore: read traces: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteWaterfallQuery is the declarative realization of the waterfall
// ordering. Each span attaches under one key: '' marks an explicit root,
// 'p:'+id a present parent, 'm:'+id a synthesized missing root (unknown
// parent or self-parent). Ranks are zero-padded to eight digits so string
// comparison of dotted sort keys reproduces the integer path order.
const sqliteWaterfallQuery = `
WITH RECURSIVE
span_rows AS (
    SELECT span_id, parent_span_id, start_ns, end_ns, payload
    FROM spans
    WHERE trace_id = ?
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
           ROW_NUMBER() OVER (ORDER BY start_ns, span_id) AS rnk
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
               + ROW_NUMBER() OVER (ORDER BY min_start, missing_id) AS rnk
    FROM missing_order
),
child_rank AS (
    SELECT span_id, attach_key,
           ROW_NUMBER() OVER (PARTITION BY attach_key ORDER BY start_ns, span_id) AS rnk
    FROM edges
    WHERE attach_key <> ''
),
walk (kind, span_id, depth, sort_key, attach) AS (
    SELECT 'present', span_id, 0, printf('%08d', rnk), 'p:' || span_id
    FROM explicit_roots
    UNION ALL
    SELECT 'missing', missing_id, 0, printf('%08d', rnk), 'm:' || missing_id
    FROM missing_ranked
    UNION ALL
    SELECT 'present', c.span_id, w.depth + 1,
           w.sort_key || '.' || printf('%08d', c.rnk), 'p:' || c.span_id
    FROM walk w
    JOIN child_rank c ON c.attach_key = w.attach
)
SELECT w.kind, w.span_id, w.depth, s.start_ns, s.end_ns, s.payload
FROM walk w
LEFT JOIN span_rows s ON s.span_id = w.span_id AND w.kind = 'present'
ORDER BY w.sort_key`

// WaterfallRows computes the ordered waterfall sequence entirely in SQL.
func (s *SQLite) WaterfallRows(ctx context.Context, traceID string) ([]waterfall.OutputRow, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM spans WHERE trace_id = ?)`, traceID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("spanstore: check trace: %w", err)
	}
	if !exists {
		return nil, ErrTraceNotFound
	}

	rows, err := s.db.QueryContext(ctx, sqliteWaterfallQuery, traceID)
	if err != nil {
		return nil, fmt.Errorf("spanstore: query waterfall: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []waterfall.OutputRow
	for rows.Next() {
		var (
			row            waterfall.OutputRow
			kind           string
			startNS, endNS sql.NullInt64
			payload        sql.NullString
		)
		if err := rows.Scan(&kind, &row.SpanID, &row.Depth, &startNS, &endNS, &payload); err != nil {
			return nil, fmt.Errorf("spanstore: scan waterfall row: %w", err)
		}
		row.Kind = waterfall.NodeKind(kind)
		if startNS.Valid {
			row.StartTime = time.Unix(0, startNS.Int64).UTC()
		}
		if endNS.Valid {
			row.EndTime = time.Unix(0, endNS.Int64).UTC()
		}
		if payload.Valid {
			row.Payload = json.RawMessage(payload.String)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spanstore: read waterfall rows: %w", err)
	}
	return out, nil
}

func payloadValue(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
