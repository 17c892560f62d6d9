package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/manifest"
	"github.com/hochfrequenz/backlog-orch/internal/planning"
)

var (
	planContext string
	planOut     string
	planTrack   string
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a backlog from a context document with parallel planners",
		Args:  cobra.NoArgs,
		RunE:  runPlan,
	}
	planCmd.Flags().StringVar(&planContext, "context", "", "context document (required)")
	planCmd.Flags().StringVar(&planOut, "out", "", "manifest to write (default general.manifest)")
	planCmd.Flags().StringVar(&planTrack, "track", "", "track name (default the context file name)")
	_ = planCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	doc, err := os.ReadFile(planContext)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, false, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := planOut
	if out == "" {
		out = manifestFile(cfg, a.root)
	}
	track := planTrack
	if track == "" {
		base := filepath.Base(planContext)
		track = strings.TrimSuffix(base, filepath.Ext(base))
	}

	coord := planning.NewCoordinator(a.loader, a.agent, a.agent, a.sessions, a.root, planning.Config{
		Sessions: cfg.Agent.PlanningSessions,
		Timeout:  cfg.Agent.PlanningTimeout.Std(),
		MaxBytes: cfg.Agent.PlannerMaxBytes,
		Retry:    cfg.RetryPolicy(),
	}, logger)

	plan, planErr := coord.PlanInParallel(ctx, string(doc))
	if plan == nil {
		return planErr
	}

	for _, w := range plan.Warnings {
		fmt.Printf("  %s %s\n", color.YellowString("⚠"), w)
	}
	if plan.Truncated {
		fmt.Printf("  %s context document truncated to %d bytes\n", color.YellowString("⚠"), cfg.Agent.PlannerMaxBytes)
	}

	b := plan.Backlog(track)
	if err := validatePlan(b); err != nil {
		return errors.Join(planErr, err)
	}
	if err := manifest.Save(out, &manifest.Document{Backlog: b, Format: manifest.FormatFor(out)}); err != nil {
		return errors.Join(planErr, err)
	}
	fmt.Printf("%s wrote %d tasks to %s\n", color.GreenString("✓"), len(b.Tasks), out)

	if errors.Is(planErr, domain.ErrSessionLeak) {
		fmt.Printf("%s %v\n", color.RedString("⊥"), planErr)
	}
	return planErr
}

// validatePlan rejects a plan the backlog manager would refuse to load,
// including dependency cycles
func validatePlan(b *domain.Backlog) error {
	if _, err := backlog.New(b); err != nil {
		return fmt.Errorf("planned backlog is invalid: %w", err)
	}
	return nil
}
