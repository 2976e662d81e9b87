package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"audit-core/internal/events"
	"audit-core/pkg/db"
)

// Index is the queryable SQLite sink. Writes go through the single writer
// handle; queries use the reader pool.
type Index struct {
	db *db.Database
}

// OpenIndex opens the SQLite file at path and applies the schema.
func OpenIndex(path string) (*Index, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, err
	}
	return &Index{db: database}, nil
}

// NewIndex wraps an already migrated database.
func NewIndex(database *db.Database) *Index {
	return &Index{db: database}
}

// Name implements Sink.
func (ix *Index) Name() string { return "index" }

// Database exposes the underlying handles.
func (ix *Index) Database() *db.Database { return ix.db }

// WriteBatch inserts the batch in one transaction. Rows that already exist
// are ignored so retries and journal replays are idempotent.
func (ix *Index) WriteBatch(ctx context.Context, batch []events.AuditEvent) error {
	_, err := ix.insert(ctx, batch)
	return err
}

// insert writes batch and returns how many events were new.
func (ix *Index) insert(ctx context.Context, batch []events.AuditEvent) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := ix.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin index tx: %w", err)
	}

	added := 0
	for _, ev := range batch {
		row, verdicts := indexRows(ev)
		wrote, err := db.InsertEvent(ctx, tx, row)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if wrote {
			added++
		}
		for _, v := range verdicts {
			if err := db.InsertVerdict(ctx, tx, v); err != nil {
				tx.Rollback()
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit index tx: %w", err)
	}
	return added, nil
}

// indexRows derives the indexed columns from the payload. A payload that
// cannot be decoded is still stored, only without derived columns.
func indexRows(ev events.AuditEvent) (db.EventRow, []db.VerdictRow) {
	row := db.EventRow{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		Seq:           ev.Seq,
		Timestamp:     ev.Timestamp,
		Day:           ev.Day(),
		Symbol:        ev.Symbol,
		EventType:     string(ev.Type),
		Payload:       string(ev.Payload),
	}

	var verdicts []db.VerdictRow
	switch ev.Type {
	case events.TypeRiskChecked:
		rc, err := events.Decode[events.RiskChecked](ev)
		if err != nil {
			log.Printf("⚠️ Index: %v (event %s)", err, ev.ID)
			break
		}
		row.RuleID = nullString(rc.MostRestrictive.RuleID)
		row.Severity = nullString(rc.MostRestrictive.Severity.String())
		row.Fault = rc.Faults() > 0
		for _, v := range rc.Verdicts {
			verdicts = append(verdicts, db.VerdictRow{
				EventID:       ev.ID,
				RuleID:        v.RuleID,
				CorrelationID: ev.CorrelationID,
				Day:           row.Day,
				Symbol:        ev.Symbol,
				Passed:        v.Passed,
				Severity:      v.Severity.String(),
				Fault:         v.Fault,
			})
		}
	case events.TypeExplainCreated:
		ex, err := events.Decode[events.ExplainCreated](ev)
		if err != nil {
			log.Printf("⚠️ Index: %v (event %s)", err, ev.ID)
			break
		}
		row.Quality = nullString(ex.Quality)
		row.Fault = ex.Fault
	case events.TypeDecision:
		dr, err := events.Decode[events.DecisionRecorded](ev)
		if err != nil {
			log.Printf("⚠️ Index: %v (event %s)", err, ev.ID)
			break
		}
		row.Approved = sql.NullBool{Bool: dr.Approved, Valid: true}
		if dr.Verdict != nil {
			row.RuleID = nullString(dr.Verdict.RuleID)
			row.Severity = nullString(dr.Verdict.Severity.String())
		}
	}
	return row, verdicts
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Trail returns the events of one decision ordered by seq, then time, then id.
func (ix *Index) Trail(ctx context.Context, correlationID string) ([]events.AuditEvent, error) {
	rows, err := db.EventsByCorrelation(ctx, ix.db.Reader, correlationID)
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

// EventsForDay returns the indexed events of one day.
func (ix *Index) EventsForDay(ctx context.Context, day string) ([]events.AuditEvent, error) {
	rows, err := db.EventsByDay(ctx, ix.db.Reader, day)
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

// CountDay returns the number of indexed events of one day.
func (ix *Index) CountDay(ctx context.Context, day string) (int, error) {
	return db.CountDay(ctx, ix.db.Reader, day)
}

// EventIDs returns the set of indexed ids of one day.
func (ix *Index) EventIDs(ctx context.Context, day string) (map[string]bool, error) {
	return db.EventIDsByDay(ctx, ix.db.Reader, day)
}

// Replay inserts events missing from the index and reports how many were new.
func (ix *Index) Replay(ctx context.Context, evs []events.AuditEvent) (int, error) {
	return ix.insert(ctx, evs)
}

// Ping checks the database handles.
func (ix *Index) Ping() error {
	return ix.db.Ping()
}

// Close implements Sink.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func toEvents(rows []db.EventRow) []events.AuditEvent {
	out := make([]events.AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, events.AuditEvent{
			ID:            r.EventID,
			CorrelationID: r.CorrelationID,
			Seq:           r.Seq,
			Timestamp:     r.Timestamp,
			Symbol:        r.Symbol,
			Type:          events.Type(r.EventType),
			Payload:       []byte(r.Payload),
		})
	}
	return out
}
