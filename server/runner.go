package server

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/gosoa/internal/observability"
)

// EnvSettings names the settings file when the -settings flag is absent.
const EnvSettings = "GOSOA_SETTINGS"

// envWorkerID carries the fork index from the supervisor to the
// re-executed worker process.
const envWorkerID = "GOSOA_WORKER_ID"

// RunOptions is the standalone runner's command-line surface.
type RunOptions struct {
	SettingsPath string
	Fork         int
	NoRespawn    bool
	WatchPaths   []string
	MetricsAddr  string
}

// ParseFlags reads the runner's flags from args (without the program
// name). The settings path falls back to the GOSOA_SETTINGS environment
// variable.
func ParseFlags(name string, args []string) (*RunOptions, error) {
	opts := &RunOptions{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&opts.SettingsPath, "settings", "", "path to the YAML settings file (env "+EnvSettings+")")
	fs.IntVar(&opts.Fork, "fork", 1, "number of worker processes")
	fs.BoolVar(&opts.NoRespawn, "no-respawn", false, "disable crash respawn of workers")
	watch := fs.String("use-file-watcher", "", "comma-separated paths to watch for changes triggering reload")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for the prometheus metrics endpoint")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.SettingsPath == "" {
		opts.SettingsPath = os.Getenv(EnvSettings)
	}
	if *watch != "" {
		for _, p := range strings.Split(*watch, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.WatchPaths = append(opts.WatchPaths, p)
			}
		}
	}
	if opts.Fork < 1 {
		return nil, fmt.Errorf("op=server.ParseFlags: -fork must be at least 1")
	}
	return opts, nil
}

// Main is the standalone entry point: it loads settings, decides between
// the supervisor and worker roles, and returns the process exit code.
// build receives the loaded settings and returns the configured server.
func Main(args []string, build func(*Settings) (*Server, error)) int {
	opts, err := ParseFlags("gosoa-server", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitSettings
	}

	var settings *Settings
	if opts.SettingsPath != "" {
		settings, err = LoadSettingsFile(opts.SettingsPath)
	} else {
		settings, err = LoadSettings()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitSettings
	}

	logger := observability.SetupLogger(settings.ServiceName, settings.Environment, settings.Debug)
	slog.SetDefault(logger)
	observability.InitMetrics()

	if opts.Fork > 1 && os.Getenv(envWorkerID) == "" {
		return supervise(opts, logger, settings.HarakiriShutdownGrace)
	}

	forkID, _ := strconv.Atoi(os.Getenv(envWorkerID))
	srv, err := build(settings)
	if err != nil {
		logger.Error("failed to build server", slog.Any("error", err))
		return ExitError
	}
	defer srv.Close()

	if opts.MetricsAddr != "" {
		go serveMetrics(opts.MetricsAddr, logger)
	}

	if err := srv.Run(context.Background(), forkID); err != nil {
		logger.Error("server run failed", slog.Any("error", err))
		return ExitError
	}
	return ExitOK
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics endpoint failed", slog.Any("error", err))
	}
}
