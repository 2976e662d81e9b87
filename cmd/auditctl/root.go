package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"audit-core/internal/persistence"
	"audit-core/internal/reconciliation"
)

type rootOptions struct {
	dir    string
	dbPath string
}

func newRootCmd() *cobra.Command {
	def := persistence.DefaultConfig()
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "auditctl",
		Short: "Inspect and repair the decision audit log",
		Long: `auditctl reads the audit journal and index written by the audit core.

Subcommands:
  report     - Daily aggregate report for one UTC day
  trail      - Every event of one decision, in order
  reconcile  - Compare journal and index for one day (or --all)
  repair     - Replay journal events missing from the index
  export     - Write one journal day as JSON Lines
  config     - Dump the configuration the daemon would load

Examples:
  auditctl report 2026-03-14
  auditctl trail 5f0c6a2e-...
  auditctl reconcile --all
  auditctl export 2026-03-14 --out day.jsonl`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.dir, "dir", envOr("AUDIT_DIR", def.Dir), "audit journal directory")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("AUDIT_DB_PATH", def.DBPath), "path to the SQLite index")

	cmd.AddCommand(
		newReportCmd(opts),
		newTrailCmd(opts),
		newReconcileCmd(opts),
		newRepairCmd(opts),
		newExportCmd(opts),
		newConfigCmd(),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openIndex opens the index only.
func (o *rootOptions) openIndex() (*persistence.Index, error) {
	ix, err := persistence.OpenIndex(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return ix, nil
}

// openReconciler opens journal and index and returns a reconciliation
// service over them plus a cleanup func.
func (o *rootOptions) openReconciler() (*reconciliation.Service, func(), error) {
	j, err := persistence.OpenJournal(o.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	ix, err := o.openIndex()
	if err != nil {
		j.Close()
		return nil, nil, err
	}
	closeAll := func() {
		ix.Close()
		j.Close()
	}
	return reconciliation.NewService(j, ix, nil, ""), closeAll, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
