package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/transfa/rewards-service/internal/ledger"
)

func newAuditCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Recompute every wallet from its transaction log and report mismatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.service.AuditLedger(cmd.Context())
			if err != nil {
				return fmt.Errorf("ledger audit failed: %w", err)
			}
			printAuditReport(cmd.OutOrStdout(), report)
			if !report.OK() {
				return errViolations
			}
			return nil
		},
	}
}

func printAuditReport(w io.Writer, report ledger.AuditReport) {
	fmt.Fprintf(w, "checked %d wallets in %s\n", report.Checked, report.FinishedAt.Sub(report.StartedAt))
	if report.OK() {
		fmt.Fprintln(w, "ok")
		return
	}
	for _, v := range report.Violations {
		fmt.Fprintf(w, "VIOLATION user=%s stored=%d derived=%d\n", v.UserID, v.Stored.TotalBalance, v.Derived.Balance)
	}
	fmt.Fprintf(w, "%d violation(s)\n", len(report.Violations))
}
