package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"audit-core/internal/events"
	"audit-core/internal/persistence"
	"audit-core/internal/reconciliation"
	"audit-core/pkg/config"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <YYYY-MM-DD>",
		Short: "Print the daily report of one UTC day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := persistence.ParseDay(args[0]); err != nil {
				return err
			}
			ix, err := opts.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()

			report, err := ix.DailyReport(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("daily report: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newTrailCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "trail <correlation-id>",
		Short: "Print every event of one decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := opts.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()

			trail, err := ix.Trail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("trail: %w", err)
			}
			if len(trail) == 0 {
				return fmt.Errorf("no events for correlation id %s", args[0])
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), trail)
			}
			out := cmd.OutOrStdout()
			for _, ev := range trail {
				fmt.Fprintf(out, "%d\t%s\t%-16s\t%s\t%s\n", ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Type, ev.Symbol, ev.Payload)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the events as JSON")
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reconcile [YYYY-MM-DD]",
		Short: "Compare journal and index without changing either",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give exactly one day or --all")
			}
			svc, closeAll, err := opts.openReconciler()
			if err != nil {
				return err
			}
			defer closeAll()

			days := args
			if all {
				if days, err = svc.Days(); err != nil {
					return err
				}
			}

			var reports []reconciliation.Report
			inconsistent := 0
			for _, day := range days {
				r, err := svc.Reconcile(cmd.Context(), day)
				if err != nil {
					return err
				}
				if !r.Consistent {
					inconsistent++
				}
				reports = append(reports, r)
			}
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if inconsistent > 0 {
				return fmt.Errorf("%d of %d day(s) inconsistent", inconsistent, len(days))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every journal day")
	return cmd
}

func newRepairCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <YYYY-MM-DD>",
		Short: "Replay journal events missing from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeAll, err := opts.openReconciler()
			if err != nil {
				return err
			}
			defer closeAll()

			r, err := svc.Repair(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if !r.Consistent {
				return fmt.Errorf("%s still inconsistent after repair", args[0])
			}
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		outPath string
		typ     string
	)

	cmd := &cobra.Command{
		Use:   "export <YYYY-MM-DD>",
		Short: "Write one journal day as JSON Lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ != "" && !events.Type(typ).Valid() {
				return fmt.Errorf("unknown event type %q", typ)
			}
			j, err := persistence.OpenJournal(opts.dir)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			evs, err := j.ReadDay(args[0])
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			bw := bufio.NewWriter(w)
			enc := json.NewEncoder(bw)
			n := 0
			for _, ev := range evs {
				if typ != "" && ev.Type != events.Type(typ) {
					continue
				}
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("encode %s: %w", ev.ID, err)
				}
				n++
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events for %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&typ, "type", "", "only export events of this type")
	return cmd
}

// newConfigCmd prints the configuration the daemon would start with.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Load and dump the daemon configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration loaded successfully:\n%s", spew.Sdump(cfg))
			return nil
		},
	}
}
