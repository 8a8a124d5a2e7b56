package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-autopilot/internal/types"
)

var ideasCmd = &cobra.Command{
	Use:   "ideas",
	Short: "Inspect and decide trade ideas",
	Long: `Query and decide trade ideas.

Examples:
  autopilot ideas list --state pending
  autopilot ideas show <idea-id>
  autopilot ideas approve <idea-id> --actor alice
  autopilot ideas reject <idea-id> --reason "news risk"
  autopilot ideas history <idea-id>
  autopilot ideas close <idea-id> --pnl -42.10`,
}

var ideasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ideas, newest first",
	Args:  cobra.NoArgs,
	RunE:  runIdeasList,
}

var ideasShowCmd = &cobra.Command{
	Use:   "show <idea-id>",
	Short: "Show one idea",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasShow,
}

var ideasApproveCmd = &cobra.Command{
	Use:   "approve <idea-id>",
	Short: "Approve a pending idea for execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasApprove,
}

var ideasRejectCmd = &cobra.Command{
	Use:   "reject <idea-id>",
	Short: "Reject a pending idea",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasReject,
}

var ideasHistoryCmd = &cobra.Command{
	Use:   "history <idea-id>",
	Short: "Show the audit trail of an idea",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasHistory,
}

var ideasCloseCmd = &cobra.Command{
	Use:   "close <idea-id>",
	Short: "Record the close of an executed idea's position",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdeasClose,
}

var (
	ideasState      string
	ideasInstrument string
	ideasLimit      int
	ideasActor      string
	ideasReason     string
	ideasPnL        float64
)

func init() {
	rootCmd.AddCommand(ideasCmd)
	ideasCmd.AddCommand(ideasListCmd, ideasShowCmd, ideasApproveCmd, ideasRejectCmd, ideasHistoryCmd, ideasCloseCmd)

	ideasListCmd.Flags().StringVarP(&ideasState, "state", "s", "", "filter by state (pending, approved, executed, ...)")
	ideasListCmd.Flags().StringVarP(&ideasInstrument, "instrument", "i", "", "filter by instrument")
	ideasListCmd.Flags().IntVarP(&ideasLimit, "limit", "n", 50, "maximum ideas to list")

	for _, c := range []*cobra.Command{ideasApproveCmd, ideasRejectCmd} {
		c.Flags().StringVar(&ideasActor, "actor", "", "operator recorded on the decision")
	}
	ideasRejectCmd.Flags().StringVar(&ideasReason, "reason", "", "why the idea is rejected")

	ideasCloseCmd.Flags().Float64Var(&ideasPnL, "pnl", 0, "realized profit (negative for a loss)")
	ideasCloseCmd.MarkFlagRequired("pnl")
}

func runIdeasList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.ListIdeas(ctx, ideasState, ideasInstrument, ideasLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTRUMENT\tDIR\tCONF\tSTATE\tENTRY\tSTOP\tTARGET\tVOLUME\tWORST LOSS\tGENERATED")
	for _, idea := range out.Ideas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%g\t%g\t%g\t%.2f\t%.2f\t%s\n",
			idea.ID, idea.Instrument, idea.Direction, idea.Confidence, idea.State,
			idea.Entry, idea.StopLoss, idea.TakeProfit, idea.Volume, idea.WorstCaseLoss,
			idea.GeneratedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d shown; %s\n", out.Total, formatCounts(out.Counts))
	return nil
}

func runIdeasShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	idea, err := a.Service.GetIdea(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), idea)
	}
	printIdea(cmd.OutOrStdout(), idea)
	return nil
}

func runIdeasApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	idea, err := a.Service.ApproveIdea(ctx, args[0], ideasActor)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), idea)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s\n", idea.ID, idea.State, idea.DecidedBy)
	return nil
}

func runIdeasReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	idea, err := a.Service.RejectIdea(ctx, args[0], ideasActor, ideasReason)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), idea)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s: %s\n", idea.ID, idea.State, idea.DecidedBy, idea.Reason)
	return nil
}

func runIdeasHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.Service.History(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rows)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tFROM\tTO\tACTOR\tREASON")
	for _, row := range rows {
		from := row.FromState
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", row.At.Format(time.RFC3339), from, row.ToState, row.Actor, row.Reason)
	}
	return w.Flush()
}

func runIdeasClose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pos, err := a.Service.RecordPositionClosed(ctx, args[0], ideasPnL)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), pos)
	}
	snap := a.Service.GetRiskBudget()
	fmt.Fprintf(cmd.OutOrStdout(), "%s closed with pnl %.2f; realized loss today %.2f of %.2f\n",
		pos.IdeaID, pos.RealizedPL, snap.Budget.DailyRealizedLoss, snap.Budget.DailyLossLimit)
	return nil
}

func printIdea(w io.Writer, idea *types.TradeIdea) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", idea.ID)
	fmt.Fprintf(tw, "Instrument\t%s %s\n", idea.Instrument, idea.Direction)
	fmt.Fprintf(tw, "State\t%s (v%d)\n", idea.State, idea.Version)
	fmt.Fprintf(tw, "Confidence\t%d %s, action %s\n", idea.Confidence, idea.ConfidenceLevel, idea.Action)
	fmt.Fprintf(tw, "Entry / Stop / Target\t%g / %g / %g (RR %.2f)\n", idea.Entry, idea.StopLoss, idea.TakeProfit, idea.RiskRewardRatio)
	fmt.Fprintf(tw, "Volume\t%.2f, worst case loss %.2f\n", idea.Volume, idea.WorstCaseLoss)
	fmt.Fprintf(tw, "Generated\t%s from %v\n", idea.GeneratedAt.Format(time.RFC3339), idea.TimeframesUsed)
	if idea.DecidedAt != nil {
		fmt.Fprintf(tw, "Decided\t%s by %s (%s)\n", idea.DecidedAt.Format(time.RFC3339), idea.DecidedBy, idea.ApprovalSource)
	}
	if idea.Reason != "" {
		fmt.Fprintf(tw, "Reason\t%s\n", idea.Reason)
	}
	if idea.HasExecutionResult() {
		fmt.Fprintf(tw, "Execution\t%s order=%s fill=%g %s\n", idea.Execution.Outcome, idea.Execution.OrderID, idea.Execution.FillPrice, idea.Execution.Error)
	}
	if idea.NeedsReconciliation {
		fmt.Fprintln(tw, "Reconciliation\tREQUIRED: venue outcome unknown")
	}
	tw.Flush()
}

func formatCounts(counts map[types.IdeaState]int) string {
	order := []types.IdeaState{
		types.StatePending, types.StateApproved, types.StateExecuting, types.StateExecuted,
		types.StateFailed, types.StateRejected, types.StateExpired,
	}
	var parts []string
	for _, st := range order {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(string(st)), n))
		}
	}
	if len(parts) == 0 {
		return "no ideas recorded"
	}
	return strings.Join(parts, " ")
}
