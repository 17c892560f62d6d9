package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/health"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the manifest and print the dependency order",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ready",
		Short: "List tasks that can be dispatched now",
		Args:  cobra.NoArgs,
		RunE:  runReady,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show task counts and recent runs",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "history TASK",
		Short: "Show the attempts, notes and drift alerts of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	})
	unblockCmd := &cobra.Command{
		Use:   "unblock TASK",
		Short: "Return a blocked task to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnblock,
	}
	unblockCmd.Flags().String("reason", "unblocked by operator", "note recorded with the unblock")
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "probe [DIR]",
		Short: "Run the toolchain health probes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProbe,
	})
}

func runValidate(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(cfg)
	if err != nil {
		return err
	}
	m, err := backlog.Load(manifestFile(cfg, root))
	if err != nil {
		return err
	}
	b := m.Snapshot()
	order, err := backlog.TopologicalSort(b.Tasks)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %d tasks (track %q)\n", color.GreenString("✓"), m.Path(), len(b.Tasks), b.Track)
	for i, id := range order {
		fmt.Printf("  %3d. %s\n", i+1, id)
	}
	return nil
}

func runReady(cmd *cobra.Command, args []string) error {
	root, err := projectRoot(cfg)
	if err != nil {
		return err
	}
	m, err := backlog.Load(manifestFile(cfg, root))
	if err != nil {
		return err
	}
	ready := m.GetReadyTasks()
	if len(ready) == 0 {
		fmt.Println("No tasks ready")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tTITLE")
	for _, t := range ready {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Attempts, t.Title)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	b := a.backlog.Snapshot()
	counts := a.backlog.Counts()
	fmt.Printf("Track %q: %d tasks\n", b.Track, len(b.Tasks))
	for _, s := range domain.AllStatuses() {
		if n := counts[s]; n > 0 {
			fmt.Printf("  %s %d\n", statusColor(s)("%-12s", s), n)
		}
	}

	for _, t := range b.Tasks {
		if t.Status == domain.StatusBlocked || t.Status == domain.StatusAbandoned {
			reason := t.BlockedReason
			if reason == "" {
				reason = fmt.Sprintf("%d attempts", t.Attempts)
			}
			fmt.Printf("  %s %s: %s\n", statusColor(t.Status)("%s", t.Status), t.ID, reason)
		}
	}

	runs, err := a.store.RecentRuns(5)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Println("\nRecent runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tWORKERS\tRESULT")
	for _, r := range runs {
		result := "running"
		if r.FinishedAt != nil {
			result = fmt.Sprintf("%d completed, %d failed", r.Counts[string(domain.StatusCompleted)], r.Counts[string(domain.StatusFailed)])
		}
		if r.Error != "" {
			result += " (" + firstLine(r.Error) + ")"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", humanize.Time(r.StartedAt), r.Concurrency, result)
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.backlog.Task(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s %s [%s] attempts=%d revision=%d\n", t.ID, t.Title, statusColor(t.Status)("%s", t.Status), t.Attempts, t.Revision)

	attempts, err := a.store.Attempts(t.ID)
	if err != nil {
		return err
	}
	for _, r := range attempts {
		mark := color.RedString("✗")
		if r.Passed() {
			mark = color.GreenString("✓")
		}
		fmt.Printf("  %s attempt %d rev %d %s %s", mark, r.Attempt, r.Revision, r.Kind, humanize.Time(r.FinishedAt))
		if r.TokensInput+r.TokensOutput > 0 {
			fmt.Printf(" (%s tokens)", humanize.Comma(int64(r.TokensInput+r.TokensOutput)))
		}
		fmt.Println()
		if failed := r.FailedChecks(); len(failed) > 0 {
			fmt.Printf("      failed checks: %s\n", strings.Join(failed, ", "))
		}
		if r.Error != "" {
			fmt.Printf("      %s\n", firstLine(r.Error))
		}
	}

	notes, err := a.store.Notes(t.ID)
	if err != nil {
		return err
	}
	if len(notes) > 0 {
		fmt.Println("Notes:")
		for _, n := range notes {
			fmt.Printf("  [%s] %s %s\n", n.Kind, humanize.Time(n.CreatedAt), n.Body)
		}
	}

	alerts, err := a.store.DriftAlerts(t.ID)
	if err != nil {
		return err
	}
	for _, al := range alerts {
		fmt.Printf("  %s drift at %s: %s\n", color.YellowString("⚠"), humanize.Bytes(uint64(al.Snapshot.Size)), strings.Join(al.Reasons, "; "))
	}
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	if err := a.backlog.Unblock(id); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("%s is not blocked: %w", id, err)
		}
		return err
	}
	if err := a.backlog.Persist(); err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	if err := a.store.AddNote(id, taskstore.NoteUnblock, reason); err != nil {
		return err
	}
	fmt.Printf("%s %s is pending again\n", color.GreenString("✓"), id)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, false, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.root
	if len(args) == 1 {
		dir = args[0]
	}
	report, err := a.health.VerifyHealthy(cmd.Context(), dir)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(r *health.Report) {
	for _, p := range r.Probes {
		mark := color.GreenString("✓")
		if !p.Healthy {
			mark = color.RedString("✗")
		}
		fmt.Printf("  %s %-16s exit %d in %s", mark, p.Name, p.ExitCode, p.Duration.Round(1e6))
		if p.Reason != "" {
			fmt.Printf(": %s", p.Reason)
		}
		fmt.Println()
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
