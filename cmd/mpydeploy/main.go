package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/mpydeploy/internal/config"
	"github.com/schaermu/mpydeploy/internal/deploy"
	"github.com/schaermu/mpydeploy/internal/device"
	"github.com/schaermu/mpydeploy/internal/manifest"
	"github.com/schaermu/mpydeploy/internal/monitor"
	"github.com/schaermu/mpydeploy/internal/ui"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile       string
	logLevel      string
	logFormat     string
	rootDir       string
	deviceConfig  string
	projectConfig string

	// Deploy flags
	dryRun    bool
	prune     bool
	noMonitor bool
	portFlag  string
	baudFlag  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mpydeploy",
	Short: "Deploy a MicroPython project to a board over serial",
	Long: `mpydeploy uploads a local MicroPython project to a board attached over a
serial port, hard resets the board and opens a serial monitor on it.

The board is addressed through device-config.json ("currentDevice") and files
are filtered through the "py_ignore" list of pymakr.conf.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Stop the board, upload the project, reset and open a monitor",
	Long: `Deploy interrupts whatever the board is running, uploads every .py and .txt
file of the project that is not ignored, hard resets the board and attaches a
serial monitor.

A failed upload leaves the files written so far on the board; the error names
the file that failed.`,
	RunE: runDeploy,
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files a deploy would upload",
	RunE:  runFiles,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open the serial monitor on the configured board",
	RunE:  runMonitor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mpydeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "mpydeploy.yaml", "settings file, relative to --root")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "project directory to deploy")
	rootCmd.PersistentFlags().StringVar(&deviceConfig, "device-config", "", "device config file, relative to --root (default device-config.json)")
	rootCmd.PersistentFlags().StringVar(&projectConfig, "project-config", "", "project config file, relative to --root (default pymakr.conf)")
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "serial port, overrides currentDevice")
	rootCmd.PersistentFlags().IntVar(&baudFlag, "baud", 0, "baud rate, overrides the configured rate")

	// Deploy command flags
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be uploaded without touching the board")
	deployCmd.Flags().BoolVar(&prune, "prune", false, "remove files a previous deploy uploaded that no longer exist locally")
	deployCmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not open the serial monitor after the reset")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger().With("run_id", uuid.NewString())

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	launcher := monitor.NewExecLauncher(cfg.Monitor.Command, logger)
	engine := deploy.NewEngine(cfg, device.Dial, launcher, logger, deploy.Options{
		Root:      rootDir,
		DryRun:    dryRun,
		Prune:     prune,
		NoMonitor: noMonitor,
		Reporter:  ui.NewReporter(os.Stderr),
	})

	out := engine.Run(ctx)
	if out.ExitCode() != 0 {
		return out.Err
	}
	return nil
}

func runFiles(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	m, err := manifest.Select(rootDir, cfg.Ignore())
	if err != nil {
		return err
	}
	for _, e := range m {
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", e.RelPath, e.DevicePath)
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	return monitor.NewExecLauncher(cfg.Monitor.Command, logger).Launch(ctx, cfg.Target())
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout belongs to the monitor.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch {
	case logFormat == "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case logFormat == "auto" && !term.IsTerminal(int(os.Stderr.Fd())):
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Debug("loading configuration", "root", rootDir, "settings", cfgFile)

	settings := cfgFile
	if settings != "" && !filepath.IsAbs(settings) {
		settings = filepath.Join(rootDir, settings)
	}

	cfg, err := config.Load(config.Options{
		SettingsFile:  settings,
		DeviceConfig:  deviceConfig,
		ProjectConfig: projectConfig,
		Root:          rootDir,
		Port:          portFlag,
		BaudRate:      baudFlag,
	})
	if err != nil {
		return nil, err
	}

	target := cfg.Target()
	logger.Debug("configuration loaded",
		"device", target.Address,
		"baud", target.BaudRate,
		"ignore", cfg.Ignore(),
		"prune", cfg.Sync.Prune)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
