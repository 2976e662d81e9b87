package db

import (
	"database/sql"
	"time"
)

// TimeLayout is the fixed-width UTC timestamp stored in ts columns so that
// lexical order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// EventRow is one audit_events row.
type EventRow struct {
	EventID       string
	CorrelationID string
	Seq           int
	Timestamp     time.Time
	Day           string
	Symbol        string
	EventType     string
	Approved      sql.NullBool
	RuleID        sql.NullString
	Severity      sql.NullString
	Quality       sql.NullString
	Fault         bool
	Payload       string
}

// VerdictRow is one risk_verdicts row.
type VerdictRow struct {
	EventID       string
	RuleID        string
	CorrelationID string
	Day           string
	Symbol        string
	Passed        bool
	Severity      string
	Fault         bool
}

// DayEvent is the projection used to build daily reports.
type DayEvent struct {
	EventType string
	Symbol    string
	Approved  bool
	Quality   string
	Fault     bool
}

// RuleCount aggregates verdict rows of one rule for one day.
type RuleCount struct {
	RuleID   string
	Blocks   int
	Warnings int
	Faults   int
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
