package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCorrelationRequired = errors.New("correlation_id is required")
	ErrDayRequired         = errors.New("day is required")
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertEventSQL = `
	INSERT OR IGNORE INTO audit_events
		(event_id, correlation_id, seq, ts, day, symbol, event_type, approved, rule_id, severity, quality, fault, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertVerdictSQL = `
	INSERT OR IGNORE INTO risk_verdicts
		(event_id, rule_id, correlation_id, day, symbol, passed, severity, fault)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// InsertEvent stores r unless a row with the same event id exists. It reports
// whether a row was written.
func InsertEvent(ctx context.Context, x Execer, r EventRow) (bool, error) {
	res, err := x.ExecContext(ctx, insertEventSQL,
		r.EventID, r.CorrelationID, r.Seq, r.Timestamp.UTC().Format(TimeLayout), r.Day,
		r.Symbol, r.EventType, r.Approved, r.RuleID, r.Severity, r.Quality, boolInt(r.Fault), r.Payload)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", r.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", r.EventID, err)
	}
	return n > 0, nil
}

// InsertVerdict stores one per-rule verdict row, ignoring duplicates.
func InsertVerdict(ctx context.Context, x Execer, v VerdictRow) error {
	if _, err := x.ExecContext(ctx, insertVerdictSQL,
		v.EventID, v.RuleID, v.CorrelationID, v.Day, v.Symbol, boolInt(v.Passed), v.Severity, boolInt(v.Fault)); err != nil {
		return fmt.Errorf("insert verdict %s/%s: %w", v.EventID, v.RuleID, err)
	}
	return nil
}

const selectEventColumns = `
	SELECT event_id, correlation_id, seq, ts, day, symbol, event_type,
	       approved, rule_id, severity, quality, fault, payload
	FROM audit_events`

func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var (
			r     EventRow
			ts    string
			fault int
		)
		if err := rows.Scan(&r.EventID, &r.CorrelationID, &r.Seq, &ts, &r.Day, &r.Symbol, &r.EventType,
			&r.Approved, &r.RuleID, &r.Severity, &r.Quality, &fault, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := time.Parse(TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse ts of %s: %w", r.EventID, err)
		}
		r.Timestamp = t
		r.Fault = fault != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventsByCorrelation returns every event of one decision in emission order.
func EventsByCorrelation(ctx context.Context, q Querier, correlationID string) ([]EventRow, error) {
	if correlationID == "" {
		return nil, ErrCorrelationRequired
	}
	rows, err := q.QueryContext(ctx, selectEventColumns+`
	WHERE correlation_id = ?
	ORDER BY seq, ts, event_id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query trail: %w", err)
	}
	return scanEvents(rows)
}

// EventsByDay returns the events of one day in time order.
func EventsByDay(ctx context.Context, q Querier, day string) ([]EventRow, error) {
	if day == "" {
		return nil, ErrDayRequired
	}
	rows, err := q.QueryContext(ctx, selectEventColumns+`
	WHERE day = ?
	ORDER BY ts, event_id`, day)
	if err != nil {
		return nil, fmt.Errorf("query day %s: %w", day, err)
	}
	return scanEvents(rows)
}

// CountDay returns the number of indexed events for one day.
func CountDay(ctx context.Context, q Querier, day string) (int, error) {
	if day == "" {
		return 0, ErrDayRequired
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE day = ?`, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("count day %s: %w", day, err)
	}
	return n, nil
}

// EventIDsByDay returns the set of indexed event ids for one day.
func EventIDsByDay(ctx context.Context, q Querier, day string) (map[string]bool, error) {
	if day == "" {
		return nil, ErrDayRequired
	}
	rows, err := q.QueryContext(ctx, `SELECT event_id FROM audit_events WHERE day = ?`, day)
	if err != nil {
		return nil, fmt.Errorf("query ids for %s: %w", day, err)
	}
	defer rows.Close()
	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DayEvents returns the report projection of one day's events.
func DayEvents(ctx context.Context, q Querier, day string) ([]DayEvent, error) {
	if day == "" {
		return nil, ErrDayRequired
	}
	rows, err := q.QueryContext(ctx, `
		SELECT event_type, symbol, COALESCE(approved, 0), COALESCE(quality, ''), fault
		FROM audit_events
		WHERE day = ?`, day)
	if err != nil {
		return nil, fmt.Errorf("query report events for %s: %w", day, err)
	}
	defer rows.Close()

	var out []DayEvent
	for rows.Next() {
		var (
			e        DayEvent
			approved int
			fault    int
		)
		if err := rows.Scan(&e.EventType, &e.Symbol, &approved, &e.Quality, &fault); err != nil {
			return nil, fmt.Errorf("scan report event: %w", err)
		}
		e.Approved = approved != 0
		e.Fault = fault != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// RuleCounts aggregates the verdict rows of one day per rule.
func RuleCounts(ctx context.Context, q Querier, day string) ([]RuleCount, error) {
	if day == "" {
		return nil, ErrDayRequired
	}
	rows, err := q.QueryContext(ctx, `
		SELECT rule_id,
		       SUM(CASE WHEN passed = 0 AND severity = 'BLOCK' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN passed = 0 AND severity = 'WARNING' THEN 1 ELSE 0 END),
		       SUM(fault)
		FROM risk_verdicts
		WHERE day = ?
		GROUP BY rule_id
		ORDER BY rule_id`, day)
	if err != nil {
		return nil, fmt.Errorf("query rule counts for %s: %w", day, err)
	}
	defer rows.Close()

	var out []RuleCount
	for rows.Next() {
		var c RuleCount
		if err := rows.Scan(&c.RuleID, &c.Blocks, &c.Warnings, &c.Faults); err != nil {
			return nil, fmt.Errorf("scan rule count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
