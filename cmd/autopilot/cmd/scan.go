package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanInstrument string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and dispatch cycle now",
	Long: `Run one autopilot cycle in process: expire stale ideas, scan the
configured instruments (or just --instrument) and execute approved ideas.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanInstrument, "instrument", "i", "", "scan a single instrument")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Service.TriggerScanNow(ctx, scanInstrument)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if res.Report == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "scan queued")
		return nil
	}

	rep := res.Report
	fmt.Fprintf(cmd.OutOrStdout(),
		"scanned %d in %v: %d created, %d discarded, %d risk rejected, %d skipped active, %d errors; %d executed, %d failed, %d expired\n",
		rep.Scanned, rep.Duration, rep.Created, rep.Discarded, rep.RiskRejected, rep.SkippedActive,
		rep.ScanErrors, rep.Executed, rep.Failed, rep.Expired)
	return nil
}
