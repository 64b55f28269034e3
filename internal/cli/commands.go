package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
)

func init() {
	rootCmd.AddCommand(migrateCmd, verifyCmd, exportCmd, settleCmd)

	verifyCmd.Flags().Bool("correct", false, "Repair drift with an integrity correction entry")

	exportCmd.Flags().StringP("location", "l", "", "Location id")
	exportCmd.Flags().String("from", "", "First business date, YYYY-MM-DD")
	exportCmd.Flags().String("to", "", "Last business date, YYYY-MM-DD")
	exportCmd.Flags().StringP("output", "o", "", "Output file; .xlsx writes a workbook, anything else JSON (default stdout)")
	_ = exportCmd.MarkFlagRequired("location")
	_ = exportCmd.MarkFlagRequired("from")
	_ = exportCmd.MarkFlagRequired("to")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer a.close()
		a.log.Info("schema migrated")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [LEDGER_ID]",
	Short: "Recompute ledger balances from their entries",
	Long: `Verify one ledger, or every ledger when no id is given. Drift is
reported; with --correct it is repaired by a single correction entry.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	correct, _ := cmd.Flags().GetBool("correct")
	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	if len(args) == 1 {
		report, err := a.checker.VerifyWith(ctx, args[0], correct)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		return report.Err()
	}

	summary, err := a.checker.VerifyAll(ctx, a.cfg.Reconcile.BatchSize)
	if err != nil {
		return err
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.Drifted > summary.Corrected {
		return fmt.Errorf("%d ledgers drifted", summary.Drifted-summary.Corrected)
	}
	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export payroll totals for a business date range",
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	location, _ := cmd.Flags().GetString("location")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	output, _ := cmd.Flags().GetString("output")

	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.exporter.Build(context.Background(), location, from, to)
	if err != nil {
		return err
	}
	if output == "" {
		return export.WriteJSON(os.Stdout, report)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	defer f.Close()
	if strings.HasSuffix(strings.ToLower(output), ".xlsx") {
		err = export.WriteXLSX(f, report)
	} else {
		err = export.WriteJSON(f, report)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %d employees to %s\n", len(report.Lines), output)
	return nil
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle closed pool segments and verify ledgers once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(false)
		if err != nil {
			return err
		}
		defer a.close()
		report, err := a.reconciler.Sweep(context.Background())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
