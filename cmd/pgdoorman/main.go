package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pgdoorman/pgdoorman/pkg/config"
	"github.com/pgdoorman/pgdoorman/pkg/frontend"
	"github.com/pgdoorman/pgdoorman/pkg/observability"
	"github.com/pgdoorman/pgdoorman/pkg/supervisor"
)

const defaultConfigFile = "pg_doorman.toml"

// daemonEnvMarker distinguishes the re-exec'd daemon child from the parent.
const daemonEnvMarker = "_PGDOORMAN_DAEMONIZED"

var bannerLines = []string{
	`                     __                                      `,
	`    ____  ____ _____/ /___  ____  _____________ ___  ____ _____  `,
	`   / __ \/ __ '/ __  / __ \/ __ \/ ___/ __ '__ \/ __ '/ __ \  `,
	`  / /_/ / /_/ / /_/ / /_/ / /_/ / /  / / / / / / /_/ / / / /  `,
	` / .___/\__, /\__,_/\____/\____/_/  /_/ /_/ /_/\__,_/_/ /_/   `,
	`/_/    /____/                                                 `,
}

func printBanner() {
	// Gradient from steel blue to amber
	start, _ := colorful.Hex("#4682B4")
	end, _ := colorful.Hex("#FFB347")

	maxWidth := len(bannerLines[0])
	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := start.BlendLuv(end, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}
	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
	fmt.Fprintln(os.Stderr)
}

type options struct {
	logLevel    string
	logFormat   string
	noColor     bool
	daemon      bool
	showVersion bool
}

func envDefault(flagValue, envName, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(opts *options) *slog.Logger {
	level := parseLogLevel(envDefault(opts.logLevel, "LOG_LEVEL", "info"))
	format := envDefault(opts.logFormat, "LOG_FORMAT", "text")

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// daemonize re-execs the process detached from the terminal; the parent
// exits once the child is running.
func daemonize() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnvMarker+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to daemonize: %w", err)
	}
	fmt.Printf("pg_doorman daemon started, pid %d\n", cmd.Process.Pid)
	return nil
}

func run(opts *options, args []string) error {
	if opts.showVersion {
		fmt.Printf("pg_doorman %s\n", frontend.Version)
		return nil
	}

	wantDaemon := opts.daemon || os.Getenv("DAEMON") == "1"
	if wantDaemon && os.Getenv(daemonEnvMarker) == "" {
		return daemonize()
	}

	logger := newLogger(opts)
	slog.SetDefault(logger)

	noColor := opts.noColor || os.Getenv("NO_COLOR") != ""
	if !noColor && os.Getenv(daemonEnvMarker) == "" {
		printBanner()
	}

	configPath := defaultConfigFile
	if len(args) > 0 {
		configPath = args[0]
	} else if v := os.Getenv("CONFIG_FILE"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		return err
	}
	logger.Info("config loaded", "path", configPath, "pools", len(cfg.Pools))

	ctx := context.Background()
	secrets := config.NewSecretCacheFromEnv(ctx)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	svc, err := frontend.NewService(cfg, secrets, metrics, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return err
	}

	sup := supervisor.New(svc, metrics, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		return err
	}
	return nil
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "pg_doorman [CONFIG_FILE]",
		Short:         "PostgreSQL connection pooler",
		Long:          "pg_doorman is a PostgreSQL connection pooler speaking the v3 wire protocol on both sides.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.logLevel, "log-level", "l", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	cmd.Flags().StringVarP(&opts.logFormat, "log-format", "F", "", "log format: text or json (env LOG_FORMAT)")
	cmd.Flags().BoolVarP(&opts.noColor, "no-color", "n", false, "disable colored output (env NO_COLOR)")
	cmd.Flags().BoolVarP(&opts.daemon, "daemon", "d", false, "run in the background (env DAEMON)")
	cmd.Flags().BoolVarP(&opts.showVersion, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
