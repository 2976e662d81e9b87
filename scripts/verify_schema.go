package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := os.Getenv("AUDIT_DB_PATH")
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	if dbPath == "" {
		dbPath = "./data/audit/index.db"
	}
	fmt.Printf("Verifying audit index at: %s\n", dbPath)

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0

	// 1. Verify tables
	fmt.Println("\n1. Verifying tables...")
	for _, table := range []string{"audit_events", "risk_verdicts"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s table exists\n", table)
	}

	// 2. Verify the idempotency key on audit_events
	fmt.Println("\n2. Verifying event_id primary key in audit_events...")
	var sqlSchema string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='audit_events'").Scan(&sqlSchema)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if strings.Contains(sqlSchema, "event_id") && strings.Contains(strings.ToUpper(sqlSchema), "PRIMARY KEY") {
		fmt.Println("✓ event_id primary key exists")
	} else {
		fmt.Println("❌ event_id primary key MISSING")
		missing++
	}

	// 3. Verify query indexes
	fmt.Println("\n3. Verifying indexes...")
	for _, idx := range []string{"idx_audit_events_correlation", "idx_audit_events_day", "idx_risk_verdicts_day"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&name)
		if err != nil {
			fmt.Printf("❌ %s MISSING\n", idx)
			missing++
			continue
		}
		fmt.Printf("✓ %s exists\n", idx)
	}

	if missing > 0 {
		os.Exit(1)
	}
}
