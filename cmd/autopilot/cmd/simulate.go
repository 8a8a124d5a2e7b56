package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-autopilot/internal/app"
	"github.com/ksred/klear-autopilot/internal/features"
	"github.com/ksred/klear-autopilot/internal/simulation"
)

var (
	simCycles         int
	simStep           time.Duration
	simApprovePending bool
	simAutoApprove    bool
	simSeed           int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the autopilot against synthetic markets",
	Long: `Run the full pipeline on a stepped clock against synthetic prices and
the simulated venues. Executed positions close one step later at the
synthetic mark, bounded by their stop loss and take profit.

A throwaway sqlite database is used unless --db is given.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVarP(&simCycles, "cycles", "n", 24, "number of cycles")
	simulateCmd.Flags().DurationVar(&simStep, "step", time.Hour, "simulated time between cycles")
	simulateCmd.Flags().BoolVar(&simApprovePending, "approve-pending", false, "approve ideas left pending instead of rejecting them")
	simulateCmd.Flags().BoolVar(&simAutoApprove, "auto-approve", true, "enable the confidence auto-approval policy")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "venue randomness seed")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "autopilot-sim-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = filepath.Join(dir, "sim.db")
	}
	cfg.Approval.AutoApprove = simAutoApprove

	clock := simulation.NewClock(time.Now())
	src := features.NewSynthetic(app.BasePrices(cfg), clock.Now)
	a, err := app.New(ctx, cfg, app.WithSource(src), app.WithClock(clock.Now), app.WithSeed(simSeed))
	if err != nil {
		return fmt.Errorf("open autopilot: %w", err)
	}
	defer a.Close()

	log.Info().
		Int("cycles", simCycles).
		Dur("step", simStep).
		Strs("instruments", cfg.Scheduler.Instruments).
		Msg("starting simulation")

	sum, err := simulation.NewRunner(a, src, clock, simulation.Options{
		Cycles:         simCycles,
		Step:           simStep,
		ApprovePending: simApprovePending,
	}).Run(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), sum)
	}
	printSummary(cmd.OutOrStdout(), sum)
	return nil
}

func printSummary(w io.Writer, sum simulation.Summary) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "AUTOPILOT SIMULATION SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, `
Idea Statistics
---------------
Cycles:           %d
Created:          %d
Discarded:        %d
Risk Rejected:    %d
Scan Errors:      %d
Approved:         %d
Rejected:         %d
Executed:         %d
Failed:           %d
Closed:           %d (%d won, %d lost)
Realized P&L:     %.2f
Duration:         %v

Risk Budget
-----------
Loss Limit:       %.2f
Realized Loss:    %.2f
Reserved:         %.2f
Open Positions:   %d
Headroom:         %.2f

Executions by Instrument
------------------------
`, sum.Cycles, sum.Created, sum.Discarded, sum.RiskRejected, sum.ScanErrors,
		sum.Approved, sum.Rejected, sum.Executed, sum.Failed,
		sum.Closed, sum.Wins, sum.Losses, sum.RealizedPnL, sum.Duration.Round(time.Millisecond),
		sum.Budget.Budget.DailyLossLimit, sum.Budget.Budget.DailyRealizedLoss,
		sum.Budget.ReservedLoss, sum.Budget.OpenPositions, sum.Budget.Headroom)

	maxCount := 0
	symbols := make([]string, 0, len(sum.ByInstrument))
	for sym, count := range sum.ByInstrument {
		symbols = append(symbols, sym)
		if count > maxCount {
			maxCount = count
		}
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		count := sum.ByInstrument[sym]
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Fprintf(w, "%-8s: %s (%d)\n", sym, bar, count)
	}
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}
