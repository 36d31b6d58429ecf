package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marcus/roundtable/internal/budget"
	"github.com/marcus/roundtable/internal/config"
	"github.com/marcus/roundtable/internal/governor"
	"github.com/marcus/roundtable/internal/history"
	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/orchestrator"
	"github.com/marcus/roundtable/internal/providers"
	"github.com/marcus/roundtable/internal/reporting"
	"github.com/marcus/roundtable/internal/scheduler"
	"github.com/marcus/roundtable/internal/status"
	"github.com/marcus/roundtable/internal/tasks"
)

const pidFileName = "roundtable.pid"

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the scheduled-run daemon",
	Long:  `Start, stop, or check status of the roundtable background daemon.`,
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduled-run daemon",
	Long: `Start the roundtable daemon as a background process.

The daemon runs the configured questions file on the configured
schedule (cron or interval), saving a report and a history record for
every round.`,
	RunE: runScheduleStart,
}

var scheduleStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the scheduled-run daemon",
	Long:  `Stop the running roundtable daemon by sending SIGTERM.`,
	RunE:  runScheduleStop,
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check if the roundtable daemon is running and show its schedule.`,
	RunE:  runScheduleStatus,
}

var scheduleForegroundFlag bool

func init() {
	scheduleStartCmd.Flags().BoolVarP(&scheduleForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	scheduleCmd.AddCommand(scheduleStartCmd)
	scheduleCmd.AddCommand(scheduleStopCmd)
	scheduleCmd.AddCommand(scheduleStatusCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// pidFilePath returns the path to the PID file.
func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "roundtable", pidFileName)
}

// writePidFile writes the current process PID to the PID file.
func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// readPidFile reads the PID from the PID file.
func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// removePidFile removes the PID file.
func removePidFile() error {
	return os.Remove(pidFilePath())
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; send signal 0 to check if alive
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// isDaemonRunning checks if the daemon is currently running.
func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runScheduleStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Schedule.Cron == "" && cfg.Schedule.Every == "" {
		return fmt.Errorf("no schedule configured (set schedule.cron or schedule.every in config)")
	}
	if cfg.Schedule.QuestionsFile == "" {
		return fmt.Errorf("no questions file configured (set schedule.questions_file in config)")
	}

	if scheduleForegroundFlag {
		return runScheduleLoop(cmd, cfg)
	}

	// Daemonize: start a new process with --foreground flag
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}

	daemonArgs := []string{"schedule", "start", "--foreground"}
	if dir, _ := cmd.Flags().GetString("config"); dir != "" {
		daemonArgs = append(daemonArgs, "--config", dir)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		daemonArgs = append(daemonArgs, "--verbose")
	}
	daemon := exec.Command(executable, daemonArgs...)
	daemon.Stdout = nil
	daemon.Stderr = nil
	daemon.Stdin = nil
	// Detach from parent process group
	daemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := daemon.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	fmt.Printf("daemon started (pid %d)\n", daemon.Process.Pid)
	return nil
}

// scheduleRunner holds the daemon's mutable state so a config reload
// can swap the config (and the scheduler, when the cron/interval
// changed) while rounds keep running.
type scheduleRunner struct {
	mu    sync.Mutex
	cfg   *config.Config
	sched *scheduler.Scheduler
	hist  *history.Store
	log   *logging.Logger
}

func (r *scheduleRunner) config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *scheduleRunner) active() *scheduler.Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched
}

// job returns the round callback. It reads the config through the
// runner so a reload takes effect on the next round.
func (r *scheduleRunner) job(ctx context.Context) func() {
	return func() {
		runScheduledRound(ctx, r.config(), r.hist, r.log)
	}
}

// reload re-reads the config from disk. A config that fails to load or
// validate keeps the previous one. When the cron/interval spec changed,
// the new scheduler is built first and the old one is only stopped once
// the replacement is known good.
func (r *scheduleRunner) reload(ctx context.Context, projectDir string) {
	cfg, err := config.LoadFromPaths(projectDir, config.GlobalConfigPath())
	if err != nil {
		r.log.Warnf("config reload failed, keeping previous: %v", err)
		return
	}
	if cfg.Schedule.Cron == "" && cfg.Schedule.Every == "" {
		r.log.Warn("config reload removed the schedule, keeping previous")
		return
	}
	if cfg.Schedule.QuestionsFile == "" {
		r.log.Warn("config reload removed the questions file, keeping previous")
		return
	}

	r.mu.Lock()
	specChanged := cfg.Schedule.Cron != r.cfg.Schedule.Cron || cfg.Schedule.Every != r.cfg.Schedule.Every
	r.cfg = cfg
	r.mu.Unlock()

	if !specChanged {
		r.log.Info("config reloaded")
		return
	}

	next, err := scheduler.NewFromSpec(cfg.Schedule.Cron, cfg.Schedule.Every, r.job(ctx))
	if err != nil {
		r.log.Warnf("reloaded schedule is invalid, keeping previous: %v", err)
		return
	}

	r.mu.Lock()
	old := r.sched
	r.sched = next
	r.mu.Unlock()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := old.Stop(stopCtx); err != nil {
		r.log.Errorf("stopping old scheduler: %v", err)
	}
	next.Start()

	r.log.InfoCtx("schedule updated", map[string]any{
		"spec":     next.Spec(),
		"next_run": next.NextRun().Format(time.RFC3339),
	})
}

// watchConfig reloads the runner when a config file changes. Editors
// fire several events per save, so reloads are debounced.
func watchConfig(ctx context.Context, r *scheduleRunner, projectDir string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warnf("config watch unavailable: %v", err)
		return
	}
	defer watcher.Close()

	watching := false
	if projectDir != "" && watcher.Add(projectDir) == nil {
		watching = true
	}
	if globalDir := filepath.Dir(config.GlobalConfigPath()); globalDir != projectDir {
		if watcher.Add(globalDir) == nil {
			watching = true
		}
	}
	if !watching {
		r.log.Warn("config watch unavailable: no config directory to watch")
		return
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, func() {
				r.reload(ctx, projectDir)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warnf("config watch error: %v", err)
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == config.ProjectConfigName || base == filepath.Base(config.GlobalConfigPath())
}

func runScheduleLoop(cmd *cobra.Command, cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("schedule")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = removePidFile() }()

	log.Info("daemon starting")

	hist, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer func() { _ = hist.Close() }()

	// Set up context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	runner := &scheduleRunner{cfg: cfg, hist: hist, log: log}
	sched, err := scheduler.NewFromSpec(cfg.Schedule.Cron, cfg.Schedule.Every, runner.job(ctx))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	runner.sched = sched

	projectDir, _ := cmd.Flags().GetString("config")
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	go watchConfig(ctx, runner, projectDir)

	sched.Start()
	log.InfoCtx("daemon running", map[string]any{
		"spec":     sched.Spec(),
		"next_run": sched.NextRun().Format(time.RFC3339),
	})

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := runner.active().Stop(stopCtx); err != nil {
		log.Errorf("stopping scheduler: %v", err)
	}

	log.Info("daemon stopped")
	return nil
}

// runScheduledRound executes one unattended run of the configured
// questions file. Failures are logged, never fatal to the daemon.
func runScheduledRound(ctx context.Context, cfg *config.Config, hist *history.Store, log *logging.Logger) {
	log.Info("scheduled round starting")
	start := time.Now()

	questions, err := tasks.LoadQuestions(cfg.Schedule.QuestionsFile)
	if err != nil {
		log.Errorf("load questions: %v", err)
		return
	}

	names := cfg.Schedule.Providers
	if len(names) == 0 {
		names = cfg.RunProviders()
	}
	ids, err := providers.ParseIDs(names)
	if err != nil {
		log.Errorf("resolve providers: %v", err)
		return
	}

	mode, err := budget.ParseMode(cfg.Budget.Mode)
	if err != nil {
		log.Errorf("budget mode: %v", err)
		return
	}

	orch := orchestrator.New(
		orchestrator.WithRegistry(providers.NewRegistry(cfg.ProviderSettings())),
		orchestrator.WithGovernor(governor.New(cfg.GovernorConfig())),
		orchestrator.WithExecutorOptions(cfg.ExecutorOptions()),
		orchestrator.WithBudget(budget.New(mode, cfg.Budget.MaxUSD)),
		orchestrator.WithLogger(logging.Component("orchestrator")),
	)

	result, runErr := orch.Run(ctx, orchestrator.Request{
		Providers:  ids,
		Questions:  questions,
		Synthesize: cfg.Schedule.Synthesize,
		SynthModel: cfg.Synthesis.Model,
	})
	if result == nil {
		log.Errorf("scheduled round failed: %v", runErr)
		return
	}
	if runErr != nil {
		log.Warnf("scheduled round degraded: %v", runErr)
	}

	reportPath := ""
	if result.Outcome != nil {
		path, err := reporting.WriteReport(cfg.Storage.ReportsDir, reporting.Input{
			RunID:     result.RunID,
			Questions: questions,
			Results:   result.Results,
			Outcome:   result.Outcome,
		}, reporting.Options{IncludeRaw: true, IncludeMetrics: true})
		if err != nil {
			log.Warnf("failed to save report: %v", err)
		} else {
			reportPath = path
		}
	}

	if err := status.Save(cfg.Storage.StatusPath, result.Snapshot); err != nil {
		log.Warnf("failed to save status snapshot: %v", err)
	}

	rec := history.RunRecord{
		ID:             result.RunID,
		StartedAt:      start,
		FinishedAt:     time.Now(),
		QuestionCount:  len(questions),
		ProviderCount:  len(ids),
		TotalQueries:   result.Snapshot.Totals.TotalQueries,
		Succeeded:      result.Snapshot.Totals.SuccessfulQueries,
		Failed:         result.Snapshot.Totals.FailedQueries,
		TotalLatencyMs: totalLatency(result.Results),
		TotalCostUSD:   result.Snapshot.Totals.TotalCostUSD,
		SynthModel:     result.Snapshot.SynthModelUsed,
		ReportPath:     reportPath,
	}
	if err := hist.SaveRun(rec, questions, result.Results); err != nil {
		log.Warnf("failed to record run history: %v", err)
	}

	log.InfoCtx("scheduled round complete", map[string]any{
		"run_id":      result.RunID,
		"succeeded":   result.Snapshot.Totals.SuccessfulQueries,
		"failed":      result.Snapshot.Totals.FailedQueries,
		"duration_ms": result.Duration.Milliseconds(),
		"report":      reportPath,
	})
}

func runScheduleStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		// Check if PID file exists but process is dead
		if _, err := readPidFile(); err == nil {
			_ = removePidFile()
			fmt.Println("daemon not running (stale pid file removed)")
			return nil
		}
		fmt.Println("daemon not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	fmt.Printf("stopping daemon (pid %d)...\n", pid)

	// Wait for process to exit (with timeout)
	timeout := time.After(10 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-timeout:
			// Force kill if still running
			fmt.Println("daemon did not stop, sending SIGKILL")
			_ = process.Signal(syscall.SIGKILL)
			_ = removePidFile()
			return nil
		case <-tick.C:
			if !isProcessRunning(pid) {
				fmt.Println("daemon stopped")
				_ = removePidFile()
				return nil
			}
		}
	}
}

func runScheduleStatus(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()

	if !running {
		fmt.Println("Status: not running")
		return nil
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)

	cfg, err := loadConfig(cmd)
	if err == nil {
		if cfg.Schedule.Cron != "" {
			fmt.Printf("Schedule: cron %s\n", cfg.Schedule.Cron)
		} else if cfg.Schedule.Every != "" {
			fmt.Printf("Schedule: every %s\n", cfg.Schedule.Every)
		}
		if cfg.Schedule.QuestionsFile != "" {
			fmt.Printf("Questions: %s\n", cfg.Schedule.QuestionsFile)
		}
		if len(cfg.Schedule.Providers) > 0 {
			fmt.Printf("Providers: %s\n", strings.Join(cfg.Schedule.Providers, ", "))
		}
		if cfg.Schedule.Synthesize {
			fmt.Printf("Synthesis: on (%s)\n", synthModelDisplay(cfg))
		}
	}

	fmt.Printf("PID file: %s\n", pidFilePath())
	return nil
}

func synthModelDisplay(cfg *config.Config) string {
	if cfg.Synthesis.Model != "" {
		return cfg.Synthesis.Model
	}
	return "default model"
}
