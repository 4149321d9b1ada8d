// Package main is the CLI entry point for chaosmon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/chaosmon/internal/config"
	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
	"github.com/eliteGoblin/focusd/chaosmon/internal/infra"
	"github.com/eliteGoblin/focusd/chaosmon/internal/metrics"
	"github.com/eliteGoblin/focusd/chaosmon/internal/profile"
	"github.com/eliteGoblin/focusd/chaosmon/internal/supervisor"
	"github.com/eliteGoblin/focusd/chaosmon/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chaosmon",
	Short: "Chaos harness - supervises daemons and injects faults",
	Long: `chaosmon supervises a set of named daemon processes and periodically
injects failures into them: kills with a chosen signal, and pause/resume.
Faults are drawn at random by weight on each trigger tick.

Interrupt (Ctrl-C or SIGTERM) stops every trigger, kills every daemon,
and exits cleanly.`,
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <profile-file|preset>",
	Short: "Run a chaos profile until interrupted or its duration elapses",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in presets",
	RunE:  runList,
}

var validateCmd = &cobra.Command{
	Use:   "validate <profile-file|preset>",
	Short: "Check a profile without starting anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current run and its tracked daemons",
	RunE:  runStatus,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill daemons left behind by a controller that died",
	Long: `Reads the run-state file, kills every recorded daemon that is still
alive (verifying process create time to avoid PID reuse), and removes the
file. Refuses while the recorded controller is alive unless --force is given.`,
	RunE: runCleanup,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recorded runs, or the events of one run",
	RunE:  runJournal,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configFile   string
	jsonOutput   bool
	verbose      bool
	forceCleanup bool
	journalRun   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "settings file (yaml, toml, or json)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	listCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each preset as YAML")
	cleanupCmd.Flags().BoolVar(&forceCleanup, "force", false, "kill daemons even if the controller is alive")
	journalCmd.Flags().StringVar(&journalRun, "run", "", "show events of this run ID")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	return config.Load(configFile, cmd.Flags())
}

func runRun(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	logger := createLogger(settings.Log)
	defer func() { _ = logger.Sync() }()

	p, err := profile.NewRegistry().Resolve(args[0])
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(settings.State.Dir)

	// Refuse to start over a live run; sweep up after a dead one
	report, err := usecase.Cleanup(registry, pm, false, logger)
	if err != nil {
		return err
	}
	if report != nil {
		logger.Warn("cleaned up leftovers of a previous run",
			zap.String("previous_run", report.State.RunID),
			zap.Int("daemons", len(report.Daemons)))
	}

	journal, err := openJournal(settings)
	if err != nil {
		return err
	}
	defer journal.Close()

	sup := supervisor.New(supervisor.Config{
		StatusGrace: settings.Supervisor.StatusGrace,
		KillWait:    settings.Supervisor.KillWait,
		LogDir:      settings.Supervisor.LogDir,
	}, pm, logger)

	orch, err := usecase.NewOrchestrator(p, sup, infra.NewExecRunner(logger), journal, registry,
		usecase.OrchestratorConfig{JoinTimeout: settings.Shutdown.JoinTimeout}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopSignals := orch.HandleSignals()
	defer stopSignals()

	if settings.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, settings.Metrics.Addr, logger); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "chaosmon: run %s of profile %q (Ctrl-C to stop)\n", orch.RunID(), p.Name)
	if err := orch.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "chaosmon: run %s finished cleanly\n", orch.RunID())
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	registry := profile.NewRegistry()

	fmt.Println("\n=== Built-in Presets ===")

	for _, preset := range registry.GetAll() {
		fmt.Printf("\n[%s] %s\n", preset.ID(), preset.Description())
		p := preset.Profile()
		fmt.Printf("  Daemons: %d  Faults: %d  Triggers: %d\n", len(p.Daemons), len(p.Faults), len(p.Triggers))

		if verbose {
			data, err := profile.Encode(p, profile.FormatYAML)
			if err != nil {
				return err
			}
			for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}

	fmt.Println("\n========================")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := profile.NewRegistry().Resolve(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Profile %q is valid\n", p.Name)
	fmt.Printf("  Daemons:  %d (%d autostart)\n", len(p.Daemons), len(p.Autostarted()))
	fmt.Printf("  Setup:    %d commands\n", len(p.Setup))
	fmt.Printf("  Faults:   %d\n", len(p.Faults))
	for _, t := range p.Triggers {
		fmt.Printf("  Trigger %s every %s:", t.Name, t.Interval)
		for _, wf := range t.Faults {
			fmt.Printf(" %s(w=%d)", wf.Fault, wf.Weight)
		}
		fmt.Println()
	}
	if p.Duration > 0 {
		fmt.Printf("  Duration: %s\n", p.Duration)
	} else {
		fmt.Println("  Duration: until interrupted")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(settings.State.Dir)

	fmt.Println("\n=== chaosmon Status ===")

	report, err := usecase.Inspect(registry, pm)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("Status: NO RUN")
		return nil
	}

	state := report.State
	switch {
	case report.ControllerAlive:
		fmt.Println("Status: RUNNING")
	default:
		fmt.Println("Status: ORPHANED (controller is gone; run 'chaosmon cleanup')")
	}
	fmt.Printf("Run:        %s\n", state.RunID)
	fmt.Printf("Profile:    %s\n", state.Profile)
	fmt.Printf("Controller: pid %d\n", state.ControllerPID)
	fmt.Printf("Started:    %s\n", time.Unix(state.StartedAt, 0).Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", time.Unix(state.UpdatedAt, 0).Format(time.RFC3339))

	fmt.Println("\nDaemons:")
	if len(report.Daemons) == 0 {
		fmt.Println("  (none alive)")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, d := range report.Daemons {
		status := "dead"
		switch {
		case d.Alive:
			status = "alive"
		case d.Reused:
			status = "dead (pid reused)"
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\n", d.Name, d.PID, status)
	}
	return w.Flush()
}

func runCleanup(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	logger := createLogger(settings.Log)
	defer func() { _ = logger.Sync() }()

	report, err := usecase.Cleanup(infra.NewFileRegistry(settings.State.Dir), infra.NewProcessManager(), forceCleanup, logger)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Println("Nothing to clean up")
		return nil
	}

	killed := 0
	for _, d := range report.Daemons {
		switch {
		case d.Killed:
			killed++
			fmt.Printf("  killed %s (pid %d)\n", d.Name, d.PID)
		case d.KillErr != nil:
			fmt.Printf("  FAILED %s (pid %d): %v\n", d.Name, d.PID, d.KillErr)
		}
	}
	fmt.Printf("Cleaned up run %s: %d daemon(s) killed\n", report.State.RunID, killed)
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if !settings.Journal.Enabled {
		return errors.New("journal is disabled")
	}

	journal, err := openJournal(settings)
	if err != nil {
		return err
	}
	defer journal.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if journalRun == "" {
		runs, err := journal.Runs()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RUN\tSTARTED\tLAST EVENT\tFAULTS\tEXITS")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.RunID,
				r.StartedAt.Format(time.RFC3339), r.LastEvent.Format(time.RFC3339), r.Faults, r.Exits)
		}
		return w.Flush()
	}

	events, err := journal.Events(journalRun)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for run %s", journalRun)
	}

	perFault := make(map[string]int)
	fmt.Fprintln(w, "TIME\tEVENT\tSUBJECT\tTARGETS\tDETAIL")
	for _, ev := range events {
		if ev.Kind == domain.EventFaultInjected {
			perFault[ev.Subject]++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ev.At.Format("15:04:05.000"), ev.Kind, ev.Subject,
			strings.Join(ev.Targets, ","), ev.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println("\nFault counts:")
	for name, n := range perFault {
		fmt.Printf("  %s: %d\n", name, n)
	}
	return nil
}

// openJournal opens the SQLCipher journal, encrypted when a key dir is set.
func openJournal(settings config.Settings) (domain.Journal, error) {
	if !settings.Journal.Enabled {
		return infra.NopJournal{}, nil
	}

	var (
		j   *infra.SQLJournal
		err error
	)
	if settings.Journal.KeyDir != "" {
		j, err = infra.OpenEncryptedJournal(settings.Journal.Path, infra.NewFileKeyProvider(settings.Journal.KeyDir))
	} else {
		j, err = infra.NewSQLJournal(settings.Journal.Path, nil)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func createLogger(cfg config.LoggingConfig) *zap.Logger {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.File != "" {
		zc.OutputPaths = []string{cfg.File}
		zc.ErrorOutputPaths = []string{cfg.File}
	}

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("chaosmon %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
