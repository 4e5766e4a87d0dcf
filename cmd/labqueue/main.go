// Command labqueue manages the reactor-load bench queue: assignments, status
// changes, backlog ordering, reports, backups and the remote queue mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"labqueue/internal/config"
	"labqueue/internal/core"
	"labqueue/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// app holds the per-invocation wiring shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	svc     *core.Service
	stdout  io.Writer
	stderr  io.Writer
	format  string
	cleanup []func() error
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: labqueue [-config file] [-format json|yaml] <command> [flags]")
	fmt.Fprintln(w, "commands:")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("labqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a yaml, toml or json config file")
	format := fs.String("format", "json", "output format: json or yaml")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		usage(stderr)
		return 2
	}
	if *format != "json" && *format != "yaml" {
		fmt.Fprintf(stderr, "unknown format %q\n", *format)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	a, err := newApp(cfg, stdout, stderr, *format)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.close()

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if isUserError(err) {
			a.logger.Warn("command rejected", "command", rest[0], "error", err)
		} else {
			a.logger.Error("command failed", "command", rest[0], "error", err)
		}
		fmt.Fprintf(stderr, "%s: %v\n", rest[0], err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func newApp(cfg config.Config, stdout, stderr io.Writer, format string) (*app, error) {
	a := &app{cfg: cfg, stdout: stdout, stderr: stderr, format: format}
	a.logger = newLogger(cfg.Log, stderr)

	registry := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(registry, cfg.Metrics.Namespace)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Textfile != "" {
		path := cfg.Metrics.Textfile
		a.cleanup = append(a.cleanup, func() error { return prometheus.WriteToTextfile(path, registry) })
	}

	opts := []core.ServiceOption{
		core.WithLogger(a.logger),
		core.WithMetricsRecorder(metrics),
		core.WithAuditRecorder(auditLog{logger: a.logger}),
	}
	if cfg.Tracing.Enabled {
		tracer, shutdown, err := newTracer(cfg.Tracing, stderr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithTracer(tracer))
		a.cleanup = append(a.cleanup, shutdown)
	}

	store, err := core.OpenPersistentStore(cfg.StorageOptions(), nil)
	if err != nil {
		a.close()
		return nil, err
	}
	a.cleanup = append(a.cleanup, func() error { return core.CloseStore(store) })
	a.svc = core.NewService(store, opts...)
	return a, nil
}

// close runs cleanups in reverse order of registration.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
	a.cleanup = nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newTracer(cfg config.TracingConfig, stderr io.Writer) (core.Tracer, func() error, error) {
	w := stderr
	var file *os.File
	if cfg.Output != "" && cfg.Output != "stderr" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace output: %w", err)
		}
		file, w = f, f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	shutdown := func() error {
		err := provider.Shutdown(context.Background())
		if file != nil {
			err = errors.Join(err, file.Close())
		}
		return err
	}
	return core.NewOTelTracer(provider), shutdown, nil
}

// auditLog writes audit entries to the debug log.
type auditLog struct {
	logger *slog.Logger
}

func (a auditLog) Record(ctx context.Context, entry core.AuditEntry) {
	args := []any{
		"audit_id", entry.ID,
		"operation", entry.Operation,
		"status", string(entry.Status),
		"count", entry.Count,
		"duration", entry.Duration,
	}
	if entry.LoadID != 0 {
		args = append(args, "load_id", int64(entry.LoadID))
	}
	if entry.TestingArea != "" {
		args = append(args, "testing_area", string(entry.TestingArea))
	}
	if entry.Error != "" {
		args = append(args, "error", entry.Error)
	}
	a.logger.DebugContext(ctx, "audit", args...)
}

var _ core.AuditRecorder = auditLog{}

// isUserError reports errors caused by the request rather than the system.
func isUserError(err error) bool {
	var rv domain.RuleViolationError
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotAssigned) ||
		errors.Is(err, domain.ErrNotFound) || errors.As(err, &rv)
}
