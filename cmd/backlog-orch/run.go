package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/batch"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/manifest"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
	"github.com/hochfrequenz/backlog-orch/tui"
	"github.com/hochfrequenz/backlog-orch/web/api"
)

var (
	runConcurrency int
	runTUI         bool
	runServe       bool
	scheduleList   bool
	servePort      int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the backlog",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 0, "parallel tasks (default general.max_parallel_tasks)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show the live dashboard")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve the status API while running")
	rootCmd.AddCommand(runCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the backlog in the windows of the schedule file",
		Args:  cobra.NoArgs,
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().BoolVar(&scheduleList, "list", false, "print windows and their next start, then exit")
	rootCmd.AddCommand(scheduleCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API for the manifest on disk",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default web.port)")
	rootCmd.AddCommand(serveCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func webAddr(port int) string {
	if port == 0 {
		port = cfg.Web.Port
	}
	return net.JoinHostPort(cfg.Web.Host, strconv.Itoa(port))
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pool := a.pool(runConcurrency)

	if runServe {
		server := api.NewServer(a.backlog, a.store, a.observer, webAddr(0), logger)
		pool.Subscribe(server.PoolEvents())
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			if err := server.Start(serveCtx); err != nil {
				logger.Error("status server", zap.Error(err))
			}
		}()
	}

	if runTUI {
		return runWithDashboard(ctx, a, pool)
	}

	rep := &reporter{out: os.Stdout}
	pool.Subscribe(rep.handle)
	summary, runErr := a.runPool(ctx, pool)
	printSummary(os.Stdout, summary)
	a.notifyComplete(ctx, "Run complete", summary, runErr)
	return runErr
}

// runWithDashboard runs the pool behind the TUI. Quitting the dashboard
// cancels the run; the dashboard stays open after the run finishes.
func runWithDashboard(ctx context.Context, a *app, pool *scheduler.Pool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewModel(tui.ModelConfig{
		MaxActive: pool.Slots().Cap(),
		Backlog:   a.backlog.Snapshot(),
		Refresh:   a.backlog.Snapshot,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	pool.Subscribe(tui.Forward(program))

	type result struct {
		summary *scheduler.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := a.runPool(ctx, pool)
		done <- result{s, err}
	}()

	_, uiErr := program.Run()
	cancel()
	res := <-done

	printSummary(os.Stdout, res.summary)
	a.notifyComplete(ctx, "Run complete", res.summary, res.err)
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && !errors.Is(uiErr, context.Canceled) {
		return errors.Join(res.err, uiErr)
	}
	return res.err
}

func runSchedule(cmd *cobra.Command, args []string) error {
	sc, err := batch.LoadScheduleConfig(cfg.General.ScheduleFile)
	if err != nil {
		return err
	}
	sched, err := batch.NewScheduler(sc.Windows, logger)
	if err != nil {
		return err
	}

	if scheduleList || len(sc.Windows) == 0 {
		if len(sc.Windows) == 0 {
			fmt.Printf("No windows in %s\n", cfg.General.ScheduleFile)
			return nil
		}
		for _, name := range sched.ListWindows() {
			w, _ := sched.GetConfig(name)
			fmt.Printf("  %-16s %-14s next %s (max %s)\n", name, w.Cron, sched.NextRun(name).Format("Mon 02 Jan 15:04"), w.MaxDuration.Std())
		}
		return nil
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	fmt.Printf("Waiting for %d windows, Ctrl+C to stop\n", len(sc.Windows))
	sched.Start(ctx, runWindow)
	return nil
}

// runWindow executes one scheduled window against a freshly loaded backlog
func runWindow(ctx context.Context, w batch.WindowConfig) error {
	a, err := newApp(cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pool := a.pool(w.Concurrency)
	rep := &reporter{out: os.Stdout}
	pool.Subscribe(rep.handle)
	summary, runErr := a.runPool(ctx, pool)
	if w.NotifyOnComplete {
		a.notifyComplete(ctx, fmt.Sprintf("Window %s complete", w.Name), summary, runErr)
	}
	return runErr
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(cfg, false, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := webAddr(servePort)
	server := api.NewServer(&diskBacklog{path: manifestFile(cfg, a.root), logger: logger}, a.store, nil, addr, logger)
	fmt.Printf("Serving status on %s\n", color.CyanString("http://"+addr))
	return server.Start(ctx)
}

// diskBacklog reads the manifest on every request so the API reflects runs
// in other processes
type diskBacklog struct {
	path   string
	logger *zap.Logger
}

func (d *diskBacklog) Snapshot() *domain.Backlog {
	doc, err := manifest.Load(d.path)
	if err != nil {
		d.logger.Warn("loading manifest", zap.String("path", d.path), zap.Error(err))
		return &domain.Backlog{}
	}
	return doc.Backlog
}

func (d *diskBacklog) Counts() map[domain.TaskStatus]int {
	counts := make(map[domain.TaskStatus]int)
	for _, t := range d.Snapshot().Tasks {
		counts[t.Status]++
	}
	return counts
}

func (d *diskBacklog) Task(id string) (domain.Task, error) {
	for _, t := range d.Snapshot().Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
}
