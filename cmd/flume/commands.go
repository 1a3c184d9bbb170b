package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/flumeproject/flume/internal/config"
	"github.com/flumeproject/flume/internal/doctor"
	"github.com/flumeproject/flume/internal/locate"
	"github.com/flumeproject/flume/internal/program"
	"github.com/flumeproject/flume/internal/session"
	"github.com/flumeproject/flume/internal/tracing"
)

const optimisationReadyPollInterval = 50 * time.Millisecond

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var engineFlag string
	var timeoutFlag time.Duration

	cmd := &cobra.Command{
		Use:   "run <model-file>",
		Short: "Load a model into the engine and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelCommand(cmd.Context(), cmd.OutOrStdout(), cfg, logger, args[0], engineFlag, timeoutFlag)
		},
	}
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine binary path (overrides config)")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "abort the run after this duration")
	return cmd
}

func newOptimiseCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var engineFlag string
	var timeoutFlag time.Duration

	cmd := &cobra.Command{
		Use:   "optimise <model-file> <config-file>",
		Short: "Run an optimisation over a model with the given configuration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return optimiseCommand(cmd.Context(), cmd.OutOrStdout(), cfg, logger, args[0], args[1], engineFlag, timeoutFlag)
		},
	}
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine binary path (overrides config)")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "abort the optimisation after this duration")
	return cmd
}

func newSessionsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var engineFlag string
	var journalFlag bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Launch the engine, wait for readiness, and show the session table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sessionsCommand(cmd.Context(), cmd.OutOrStdout(), cfg, logger, engineFlag, journalFlag)
		},
	}
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine binary path (overrides config)")
	cmd.Flags().BoolVar(&journalFlag, "journal", false, "dump the session communication journal")
	return cmd
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check engine discoverability, version, and directory health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doctorCommand(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}
}

func runModelCommand(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	logger *log.Logger,
	modelPath string,
	engineOverride string,
	timeout time.Duration,
) error {
	modelText, err := readInputFile(modelPath)
	if err != nil {
		return err
	}

	manager, key, cleanup, err := startEngineSession(ctx, out, cfg, logger, engineOverride, "sim")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.WaitReady(ctx, key); err != nil {
		return fmt.Errorf("wait for engine readiness: %w", err)
	}

	prog, err := program.NewRunModel(manager, key,
		program.WithRunModelStatus(func(message string) {
			fmt.Fprintln(out, message)
		}),
		program.WithRunModelProgress(func(percent float64, description string) {
			fmt.Fprintf(out, "%s: %.1f%%\n", description, percent)
		}),
	)
	if err != nil {
		return fmt.Errorf("build model run: %w", err)
	}
	if err := manager.SetProgram(key, prog); err != nil {
		return fmt.Errorf("attach model run: %w", err)
	}
	if err := prog.Start(ctx, modelText); err != nil {
		return fmt.Errorf("start model run: %w", err)
	}

	waitCtx, cancel := deadlineContext(ctx, timeout)
	defer cancel()

	select {
	case result := <-prog.Done():
		if result.Err != nil {
			return fmt.Errorf("model run failed: %w", result.Err)
		}
		if result.Interrupted {
			fmt.Fprintln(out, "Run interrupted by engine")
			return nil
		}
		fmt.Fprintln(out, "Run completed")
		for _, output := range result.Outputs {
			fmt.Fprintf(out, "  output: %s\n", output)
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("model run did not finish: %w", waitCtx.Err())
	}
}

func optimiseCommand(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	logger *log.Logger,
	modelPath string,
	configPath string,
	engineOverride string,
	timeout time.Duration,
) error {
	modelText, err := readInputFile(modelPath)
	if err != nil {
		return err
	}
	configText, err := readInputFile(configPath)
	if err != nil {
		return err
	}

	manager, key, cleanup, err := startEngineSession(ctx, out, cfg, logger, engineOverride, "calibrate")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.WaitReady(ctx, key); err != nil {
		return fmt.Errorf("wait for engine readiness: %w", err)
	}

	prog, err := program.NewOptimisation(manager, key,
		program.WithOptimisationStatus(func(message string) {
			fmt.Fprintln(out, message)
		}),
		program.WithOptimisationProgress(func(percent float64, description string) {
			fmt.Fprintf(out, "%s: %.1f%%\n", description, percent)
		}),
		program.WithParametersCallback(func(params json.RawMessage) {
			fmt.Fprintf(out, "Optimisable parameters: %s\n", string(params))
		}),
	)
	if err != nil {
		return fmt.Errorf("build optimisation: %w", err)
	}
	if err := manager.SetProgram(key, prog); err != nil {
		return fmt.Errorf("attach optimisation: %w", err)
	}
	if err := prog.Start(ctx, modelText); err != nil {
		return fmt.Errorf("start optimisation: %w", err)
	}

	waitCtx, cancel := deadlineContext(ctx, timeout)
	defer cancel()

	if err := awaitOptimisationReady(waitCtx, prog); err != nil {
		return err
	}
	if err := prog.RunOptimisation(ctx, configText); err != nil {
		return fmt.Errorf("run optimisation: %w", err)
	}

	select {
	case result := <-prog.Done():
		if result.Err != nil {
			return fmt.Errorf("optimisation failed: %w", result.Err)
		}
		fmt.Fprintln(out, "Optimisation completed")
		if strings.TrimSpace(result.Result) != "" {
			fmt.Fprintln(out, result.Result)
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("optimisation did not finish: %w", waitCtx.Err())
	}
}

// awaitOptimisationReady blocks until the load and parameter-fetch phases
// settle and the program accepts an optimisation config.
func awaitOptimisationReady(ctx context.Context, prog *program.Optimisation) error {
	ticker := time.NewTicker(optimisationReadyPollInterval)
	defer ticker.Stop()

	for {
		if prog.AwaitingConfig() {
			return nil
		}
		select {
		case result := <-prog.Done():
			if result.Err != nil {
				return fmt.Errorf("optimisation failed during load: %w", result.Err)
			}
			return errors.New("optimisation finished before the config was submitted")
		case <-ctx.Done():
			return fmt.Errorf("optimisation not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func sessionsCommand(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	logger *log.Logger,
	engineOverride string,
	dumpJournal bool,
) error {
	manager, key, cleanup, err := startEngineSession(ctx, out, cfg, logger, engineOverride, "")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.WaitReady(ctx, key); err != nil {
		return fmt.Errorf("wait for engine readiness: %w", err)
	}

	fmt.Fprintf(out, "%-12s %-12s %-8s %-12s %s\n", "SESSION", "STATE", "PID", "UID", "STATUS")
	for _, sess := range manager.ListSessions() {
		fmt.Fprintf(out, "%-12s %-12s %-8d %-12s %s\n",
			sess.Key(), sess.State(), sess.PID(), sess.WorkerUID(), sess.StatusMessage())
	}

	if dumpJournal {
		if sess, ok := manager.GetSession(key); ok {
			fmt.Fprintln(out)
			fmt.Fprintln(out, sess.Log().Format())
		}
	}
	return nil
}

func doctorCommand(ctx context.Context, out io.Writer, cfg *config.Config, logger *log.Logger) error {
	locator := locate.New(
		locate.WithRunner(tracing.NewRunner(nil)),
		locate.WithProbeTimeout(cfg.ProbeTimeout),
	)
	manager, err := doctor.NewManager(locator, cfg)
	if err != nil {
		return fmt.Errorf("build doctor: %w", err)
	}

	report, err := manager.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("run diagnostics: %w", err)
	}

	for _, result := range report.Results {
		fmt.Fprintf(out, "%-5s %-12s %s\n", strings.ToUpper(result.Status), result.Name, result.Detail)
	}
	if !report.Healthy() {
		return errors.New("environment checks failed")
	}
	if logger != nil {
		logger.With("checks", len(report.Results)).Debug("diagnostics healthy")
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}

// startEngineSession locates the engine, builds a session manager, and
// launches one session. A non-empty feature name is checked against the
// probed engine version; an unsupported feature warns but does not block
// the launch. The returned cleanup shuts the manager down.
func startEngineSession(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	logger *log.Logger,
	engineOverride string,
	feature string,
) (*session.Manager, string, func(), error) {
	enginePath := strings.TrimSpace(engineOverride)
	if enginePath == "" {
		enginePath = cfg.EnginePath
	}

	locator := locate.New(
		locate.WithRunner(tracing.NewRunner(nil)),
		locate.WithProbeTimeout(cfg.ProbeTimeout),
	)
	location, err := locator.Locate(ctx, enginePath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("locate engine: %w", err)
	}
	if logger != nil {
		logger.With("path", location.Path, "version", location.RawVersion).Info("engine located")
	}
	if feature != "" && location.RawVersion != "" && !location.Version.Supports(feature) {
		fmt.Fprintf(out, "Warning: engine version %s may not support %s\n", location.Version, feature)
	}

	manager, err := session.NewManager(session.NewProcLauncher(),
		session.WithLogger(logger),
		session.WithCommLogCapacity(cfg.CommLogCapacity),
		session.WithShutdownGrace(cfg.ShutdownGrace),
		session.WithBaseEnv(cfg.EngineEnv),
		session.WithStatusSink(func(message string) {
			fmt.Fprintln(out, message)
		}),
	)
	if err != nil {
		return nil, "", nil, fmt.Errorf("build session manager: %w", err)
	}

	key, err := manager.StartSession(ctx, location.Path, cfg.EngineArgs, cfg.WorkingDir)
	if err != nil {
		return nil, "", nil, fmt.Errorf("start session: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}
	return manager, key, cleanup, nil
}

func deadlineContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func readInputFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return string(data), nil
}
