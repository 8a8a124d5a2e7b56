package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-autopilot/internal/types"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show or change the daily risk budget",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the budget and current exposure",
	Args:  cobra.NoArgs,
	RunE:  runBudgetShow,
}

var budgetSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change budget limits; only the flags given change",
	Long: `Change risk budget limits. The loss accrued today is never editable.

Example:
  autopilot budget set --daily-loss-limit 1200 --session-start 07:00 --session-end 21:00 --timezone Europe/London`,
	Args: cobra.NoArgs,
	RunE: runBudgetSet,
}

var (
	setLossLimit     float64
	setSessionStart  string
	setSessionEnd    string
	setTimezone      string
	setMaxConcurrent int
	setMaxPerInst    int
	setVolumeCap     float64
	setRiskPerTrade  float64
	setAccountEquity float64
)

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetShowCmd, budgetSetCmd)

	f := budgetSetCmd.Flags()
	f.Float64Var(&setLossLimit, "daily-loss-limit", 0, "maximum realized plus committed loss per session")
	f.StringVar(&setSessionStart, "session-start", "", "session start HH:MM")
	f.StringVar(&setSessionEnd, "session-end", "", "session end HH:MM")
	f.StringVar(&setTimezone, "timezone", "", "IANA timezone of the session window")
	f.IntVar(&setMaxConcurrent, "max-concurrent", 0, "maximum concurrent positions")
	f.IntVar(&setMaxPerInst, "max-per-instrument", 0, "maximum positions per instrument")
	f.Float64Var(&setVolumeCap, "volume-cap", 0, "per-instrument volume cap in lots")
	f.Float64Var(&setRiskPerTrade, "risk-per-trade", 0, "fraction of equity risked per trade, e.g. 0.01")
	f.Float64Var(&setAccountEquity, "equity", 0, "account equity used for sizing")
}

func runBudgetShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.Service.GetRiskBudget()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	printBudget(cmd.OutOrStdout(), snap)
	return nil
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
	var u types.BudgetUpdate
	f := cmd.Flags()
	if f.Changed("daily-loss-limit") {
		u.DailyLossLimit = &setLossLimit
	}
	if f.Changed("session-start") {
		u.SessionStart = &setSessionStart
	}
	if f.Changed("session-end") {
		u.SessionEnd = &setSessionEnd
	}
	if f.Changed("timezone") {
		u.Timezone = &setTimezone
	}
	if f.Changed("max-concurrent") {
		u.MaxConcurrentPositions = &setMaxConcurrent
	}
	if f.Changed("max-per-instrument") {
		u.MaxPositionsPerInstrument = &setMaxPerInst
	}
	if f.Changed("volume-cap") {
		u.PerInstrumentVolumeCap = &setVolumeCap
	}
	if f.Changed("risk-per-trade") {
		u.RiskPerTradePct = &setRiskPerTrade
	}
	if f.Changed("equity") {
		u.AccountEquity = &setAccountEquity
	}
	if u == (types.BudgetUpdate{}) {
		return fmt.Errorf("no budget fields given")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.Service.UpdateRiskBudget(ctx, u)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	printBudget(cmd.OutOrStdout(), snap)
	return nil
}

func printBudget(w io.Writer, snap types.BudgetResponse) {
	b := snap.Budget
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Account\t%s (equity %.2f)\n", b.AccountID, b.AccountEquity)
	fmt.Fprintf(tw, "Session\t%s-%s %s\n", b.SessionStart, b.SessionEnd, b.Timezone)
	fmt.Fprintf(tw, "Daily loss limit\t%.2f\n", b.DailyLossLimit)
	fmt.Fprintf(tw, "Realized loss\t%.2f\n", b.DailyRealizedLoss)
	fmt.Fprintf(tw, "Reserved (pending ideas)\t%.2f across %d\n", snap.ReservedLoss, snap.PendingIdeas)
	fmt.Fprintf(tw, "Open worst case\t%.2f across %d\n", snap.OpenLoss, snap.OpenPositions)
	fmt.Fprintf(tw, "Headroom\t%.2f\n", snap.Headroom)
	fmt.Fprintf(tw, "Position caps\t%d total, %d per instrument\n", b.MaxConcurrentPositions, b.MaxPositionsPerInstrument)
	fmt.Fprintf(tw, "Sizing\t%.2f%% of equity per trade, cap %.2f lots\n", b.RiskPerTradePct*100, b.PerInstrumentVolumeCap)

	symbols := make([]string, 0, len(snap.ByInstrument))
	for sym := range snap.ByInstrument {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		fmt.Fprintf(tw, "  %s\t%d committed\n", sym, snap.ByInstrument[sym])
	}
	tw.Flush()
}
