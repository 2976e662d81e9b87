package db

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    ts TEXT NOT NULL,
    day TEXT NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    approved INTEGER,
    rule_id TEXT,
    severity TEXT,
    payload TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_events_correlation ON audit_events(correlation_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_events_day ON audit_events(day, event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_symbol ON audit_events(symbol, ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type, ts);

CREATE TABLE IF NOT EXISTS risk_verdicts (
    event_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    day TEXT NOT NULL,
    symbol TEXT NOT NULL DEFAULT '',
    passed INTEGER NOT NULL,
    severity TEXT NOT NULL,
    fault INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (event_id, rule_id)
);

CREATE INDEX IF NOT EXISTS idx_risk_verdicts_day ON risk_verdicts(day, rule_id);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release of the index.
	if err := ensureColumn(d.DB, "audit_events", "quality", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "audit_events", "fault", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
