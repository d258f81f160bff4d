package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	naturaldate "github.com/tj/go-naturaldate"

	"github.com/lbricheux/pointeuse/internal/config"
	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/ledger"
	"github.com/lbricheux/pointeuse/internal/notify"
	"github.com/lbricheux/pointeuse/internal/queue"
	"github.com/lbricheux/pointeuse/internal/report"
	"github.com/lbricheux/pointeuse/internal/syncer"
	"github.com/lbricheux/pointeuse/internal/timer"
)

var rootCmd = &cobra.Command{
	Use:   "pointeuse",
	Short: "Offline-first time tracker",
	Long:  "pointeuse tracks work time against the agency ledger and keeps working offline: mutations queue locally and sync when connectivity returns.",
}

var startCmd = &cobra.Command{
	Use:   "start [description]",
	Short: "Start a timer",
	RunE:  runStart,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the active timer",
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused timer",
	RunE:  runResume,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop and finalize the active timer",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active timer and connectivity",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue now",
	RunE:  runSync,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show aggregated time for a period",
	RunE:  runReport,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background sync reconciler",
	RunE:  runWatch,
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch",
	Short: "Stop the running reconciler",
	RunE:  runUnwatch,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Open the config file in your editor",
	RunE:  runConfig,
}

func init() {
	startCmd.Flags().String("project", "", "Project to book the time on")
	startCmd.Flags().String("task", "", "Personal task reference")
	startCmd.Flags().String("shared-task", "", "Shared task reference")

	reportCmd.Flags().String("from", "a week ago", "Period start (date or natural language)")
	reportCmd.Flags().String("to", "today", "Period end (date or natural language)")
	reportCmd.Flags().String("project", "", "Restrict to one project")
	reportCmd.Flags().Bool("local", false, "Aggregate from local entries instead of asking the ledger")

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(unwatchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type deps struct {
	cfg     *config.Config
	store   *queue.Store
	client  *ledger.Client
	machine *timer.Machine
	logger  *slog.Logger
}

func newDeps(cmd *cobra.Command) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Ledger.UserID == "" {
		return nil, fmt.Errorf("user_id not configured — run 'pointeuse config' to set it up")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	dir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	store, err := queue.Open(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening offline queue: %w", err)
	}

	client := ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.APIKey, cfg.Ledger.UserID, logger)
	machine := timer.New(cfg.Ledger.UserID, client, store, logger)

	return &deps{cfg: cfg, store: store, client: client, machine: machine, logger: logger}, nil
}

func (d *deps) close() {
	d.store.Close()
}

func runStart(cmd *cobra.Command, args []string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := cmd.Context()
	if err := d.machine.Rehydrate(ctx); err != nil {
		return err
	}

	project, _ := cmd.Flags().GetString("project")
	task, _ := cmd.Flags().GetString("task")
	sharedTask, _ := cmd.Flags().GetString("shared-task")

	existing := d.machine.Active()
	e, err := d.machine.Start(ctx, timer.StartOptions{
		ProjectID:      project,
		PersonalTaskID: task,
		SharedTaskID:   sharedTask,
		Description:    strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	if existing != nil && existing.Key() == e.Key() {
		fmt.Printf("Timer already %s since %s (%s tracked)\n",
			e.Status, e.StartTime.Local().Format("15:04"), formatSeconds(d.machine.Elapsed()))
		return nil
	}
	fmt.Printf("Timer started at %s%s\n", e.StartTime.Local().Format("15:04"), offlineSuffix(e))
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, func(ctx context.Context, m *timer.Machine) (*entry.TimeEntry, error) {
		return m.Pause(ctx)
	}, "paused")
}

func runResume(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, func(ctx context.Context, m *timer.Machine) (*entry.TimeEntry, error) {
		return m.Resume(ctx)
	}, "resumed")
}

func runStop(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, func(ctx context.Context, m *timer.Machine) (*entry.TimeEntry, error) {
		return m.Stop(ctx)
	}, "stopped")
}

func runTransition(cmd *cobra.Command, op func(context.Context, *timer.Machine) (*entry.TimeEntry, error), verb string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := cmd.Context()
	if err := d.machine.Rehydrate(ctx); err != nil {
		return err
	}

	e, err := op(ctx, d.machine)
	if err != nil {
		return err
	}
	fmt.Printf("Timer %s — %s tracked%s\n", verb, formatSeconds(e.Duration), offlineSuffix(e))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := cmd.Context()
	if err := d.machine.Rehydrate(ctx); err != nil {
		return err
	}

	online := d.client.Ping(ctx)
	indicator := "online"
	if !online {
		indicator = "offline"
	}

	active := d.machine.Active()
	if active == nil {
		fmt.Printf("No active timer. [%s]\n", indicator)
	} else {
		label := active.Description
		if label == "" {
			label = report.NoTaskLabel
		}
		fmt.Printf("%s — %s, %s tracked [%s]\n",
			label, active.Status, formatSeconds(d.machine.Elapsed()), indicator)
	}

	if pending, err := d.store.Len(); err == nil && pending > 0 {
		fmt.Printf("%d mutation(s) queued for sync.\n", pending)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	rec := newReconciler(d)
	acked := rec.Drain(cmd.Context())
	pending, _ := d.store.Len()
	fmt.Printf("Synced %d mutation(s), %d still queued.\n", acked, pending)
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	project, _ := cmd.Flags().GetString("project")
	local, _ := cmd.Flags().GetBool("local")

	from, err := parsePeriodBound(fromStr)
	if err != nil {
		return fmt.Errorf("parsing --from: %w", err)
	}
	to, err := parsePeriodBound(toStr)
	if err != nil {
		return fmt.Errorf("parsing --to: %w", err)
	}
	if to.Before(from) {
		return fmt.Errorf("period end %s precedes start %s", to.Format(entry.DateFormat), from.Format(entry.DateFormat))
	}

	ctx := cmd.Context()

	if !local {
		rep, err := d.client.GetReport(ctx, ledger.ReportQuery{
			From:      from.Format(entry.DateFormat),
			To:        to.Format(entry.DateFormat),
			ProjectID: project,
		})
		if err == nil {
			printSummary(from, to, rep.Summary)
			return nil
		}
		if !ledger.IsConnectivity(err) {
			return err
		}
		fmt.Println("Ledger unreachable — aggregating local entries instead.")
	}

	entries, err := d.client.ListEntries(ctx, from.Format(entry.DateFormat), to.Format(entry.DateFormat))
	if err != nil {
		// Fully offline: fall back to whatever is still queued locally.
		pending, perr := d.store.Pending()
		if perr != nil {
			return fmt.Errorf("reading offline queue: %w", perr)
		}
		entries = nil
		for _, m := range pending {
			entries = append(entries, m.Entry)
		}
	}
	if project != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ProjectID == project {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	dayStart := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	dayEnd := time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, 0, to.Location())
	summary := report.Aggregate(entries, dayStart, dayEnd, report.Options{})
	printSummary(from, to, summary)
	return nil
}

func printSummary(from, to time.Time, s report.Summary) {
	fmt.Printf("Period %s → %s: %.2fh over %d entries\n\n",
		from.Format(entry.DateFormat), to.Format(entry.DateFormat), s.TotalHours, s.EntriesCount)

	if len(s.ByProject) > 0 {
		fmt.Println("By project:")
		for _, b := range s.ByProject {
			fmt.Printf("  %-28s %6.2fh  %5.1f%%  (%d entries)\n", b.Label, b.Hours, b.Percentage, b.Entries)
		}
		fmt.Println()
	}
	if len(s.ByTask) > 0 {
		fmt.Println("By task:")
		for _, b := range s.ByTask {
			fmt.Printf("  %-28s %6.2fh  %5.1f%%  (%d entries)\n", b.Label, b.Hours, b.Percentage, b.Entries)
		}
		fmt.Println()
	}
	fmt.Println("By day:")
	for _, day := range s.ByDay {
		fmt.Printf("  %s  %6.2fh  (%d entries)\n", day.Date, day.Hours, day.Entries)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	d, err := newDeps(cmd)
	if err != nil {
		return err
	}
	defer d.close()

	if err := syncer.WritePID(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer syncer.RemovePID()

	rec := newReconciler(d)
	notifier := notify.New(d.cfg.Notifications.Enabled, d.logger)
	rec.OnTransition = notifier.ConnectivityChanged

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("Watching offline queue (sync every %ds, probe every %ds)\n",
		d.cfg.Sync.IntervalSeconds, d.cfg.Sync.ProbeIntervalSeconds)
	rec.Run(ctx)
	fmt.Println("\nWatcher stopped.")
	return nil
}

func runUnwatch(cmd *cobra.Command, args []string) error {
	pid, err := syncer.ReadPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending stop signal: %w", err)
	}

	fmt.Printf("Sent stop signal to pointeuse watcher (PID %d)\n", pid)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data := fmt.Sprintf(`[ledger]
base_url = "%s"
api_key = ""
user_id = ""

[sync]
interval_seconds = %d
probe_interval_seconds = %d

[notifications]
enabled = %t
`,
			cfg.Ledger.BaseURL,
			cfg.Sync.IntervalSeconds,
			cfg.Sync.ProbeIntervalSeconds,
			cfg.Notifications.Enabled,
		)
		if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	fmt.Printf("Opening %s with %s...\n", configPath, editor)

	ed := exec.Command(editor, configPath)
	ed.Stdin = os.Stdin
	ed.Stdout = os.Stdout
	ed.Stderr = os.Stderr
	if err := ed.Run(); err != nil {
		fmt.Printf("Could not open editor. Config file is at: %s\n", configPath)
	}
	return nil
}

func newReconciler(d *deps) *syncer.Reconciler {
	return syncer.New(
		d.store,
		d.client,
		time.Duration(d.cfg.Sync.IntervalSeconds)*time.Second,
		time.Duration(d.cfg.Sync.ProbeIntervalSeconds)*time.Second,
		d.logger,
	)
}

func parsePeriodBound(s string) (time.Time, error) {
	if t, err := time.Parse(entry.DateFormat, s); err == nil {
		return t, nil
	}
	return naturaldate.Parse(s, time.Now(), naturaldate.WithDirection(naturaldate.Past))
}

func formatSeconds(sec int64) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}

func offlineSuffix(e *entry.TimeEntry) string {
	if e.ID == "" && e.OfflineID != "" {
		return " (offline, queued for sync)"
	}
	return ""
}
