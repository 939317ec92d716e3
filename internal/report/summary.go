package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/compose-network/contract-deployer/internal/steps"
)

// PlanLine is one row of a dry-run listing.
type PlanLine struct {
	Step   steps.PlannedStep
	Ledger string
}

// WritePlan prints an ordered plan without executing it.
func WritePlan(w io.Writer, plan steps.Plan, lines []PlanLine) error {
	fmt.Fprintf(w, "plan for %s (%d steps)\n", plan.Network, len(plan.Steps))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tKIND\tARTIFACT\tAFTER\tLEDGER")
	for i, line := range lines {
		id := line.Step.ID
		if line.Step.Implicit {
			id += " (dependency)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, id, line.Step.Kind, dash(line.Step.Artifact()), dash(strings.Join(line.Step.After, ",")), dash(line.Ledger))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(plan.Excluded) > 0 {
		fmt.Fprintf(w, "not available on %s: %s\n", plan.Network, strings.Join(plan.Excluded, ", "))
	}

	return nil
}

// WriteSummary prints the per-step outcome table and the totals.
func (r *Report) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tKIND\tSTATUS\tTXS\tDETAIL")
	for _, s := range r.Steps {
		detail := s.Reason
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Kind, s.Status, s.Transactions, dash(detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if r.Halted {
		fmt.Fprintf(w, "halted: %s\n", r.HaltReason)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}

	c := r.Counts()
	_, err := fmt.Fprintf(w, "%s: %d deployed, %d skipped, %d configured, %d failed, %d not run\n",
		r.Network, c.Deployed, c.Skipped, c.Configured, c.Failed, c.NotRun)

	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
