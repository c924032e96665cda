package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/warp/reservation-engine/config"
	"github.com/warp/reservation-engine/reservation"
)

// printCheck writes the summary shown by -check: the effective settings and
// every registered approval flow.
func printCheck(w io.Writer, cfg *config.Config, flows *reservation.StaticFlows) {
	title := color.New(color.FgCyan, color.Bold)
	ok := color.New(color.FgGreen)
	muted := color.New(color.FgHiBlack)

	title.Fprintln(w, "reservation engine configuration")
	ok.Fprintf(w, "✓ server     :%d (shutdown %s)\n", cfg.Server.Port, cfg.Server.ShutdownTimeout)
	ok.Fprintf(w, "✓ database   %s\n", cfg.Database.Path)
	ok.Fprintf(w, "✓ waitlist   fan-out %d, claim window %s\n", cfg.Engine.WaitlistFanOut, cfg.Engine.ClaimWindow)
	ok.Fprintf(w, "✓ series     max %d occurrences, conflict ratio %s\n", cfg.Engine.RecurrenceMax, cfg.Engine.MaxConflictRatio)

	for _, sweep := range []struct{ name, spec string }{
		{"no-show", cfg.Sweeps.NoShow},
		{"completion", cfg.Sweeps.Completion},
		{"waitlist", cfg.Sweeps.Waitlist},
	} {
		if sweep.spec == "" {
			muted.Fprintf(w, "- sweep %-10s disabled\n", sweep.name)
			continue
		}
		ok.Fprintf(w, "✓ sweep %-10s %s\n", sweep.name, sweep.spec)
	}

	title.Fprintf(w, "approval flows (%d)\n", len(flows.IDs()))
	for _, id := range flows.IDs() {
		flow, err := flows.Flow(context.Background(), id)
		if err != nil {
			continue
		}
		steps := make([]string, 0, len(flow.Steps))
		for _, s := range flow.Steps {
			steps = append(steps, fmt.Sprintf("%d:%s", s.Order, s.Name))
		}
		line := fmt.Sprintf("  %s [%s]", id, strings.Join(steps, " "))
		if flow.IsDefault {
			line += " default"
		}
		if flow.AutoApprove != nil {
			line += " auto-approve: " + flow.AutoApproveDescription
		}
		fmt.Fprintln(w, line)
	}
}
