// Package commands implements the rackctl command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"rackcore/internal/blob"
	"rackcore/internal/config"
	"rackcore/internal/core"
	"rackcore/pkg/domain"
)

// Exit codes returned by Execute.
const (
	ExitOK = iota
	ExitFailure
	ExitUsage
	ExitNotFound
	ExitConflict
	ExitInvalid
	ExitCapacity
	ExitCycle
	ExitRuleViolation
)

// Option customises the root command, mostly for tests.
type Option func(*app)

// WithService runs every command against svc instead of opening the
// configured store. The service is left open after the command returns.
func WithService(svc *core.Service) Option {
	return func(a *app) { a.svc = svc; a.ownsService = false }
}

// WithBlobStore archives snapshots into store instead of the configured backend.
func WithBlobStore(store blob.Store) Option {
	return func(a *app) { a.blobs = store }
}

// WithOutput redirects command output and log output.
func WithOutput(out, errOut io.Writer) Option {
	return func(a *app) { a.out = out; a.errOut = errOut }
}

type app struct {
	cfgFile    string
	storage    string
	sqlitePath string
	logLevel   string
	output     string
	trace      bool

	cfg         *config.Config
	logger      *slog.Logger
	svc         *core.Service
	ownsService bool
	blobs       blob.Store
	registry    *prometheus.Registry
	expvar      *core.ExpvarMetricsRecorder

	out    io.Writer
	errOut io.Writer
}

func newApp(opts ...Option) *app {
	a := &app{ownsService: true, out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewRootCommand builds a fresh rackctl command tree. Callers that run it
// directly own the lifetime of any store it opens; Execute closes it.
func NewRootCommand(opts ...Option) *cobra.Command {
	return newApp(opts...).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rackctl",
		Short: "Infrastructure inventory for datacenters, racks, servers and virtual servers",
		Long: `rackctl manages an inventory of infrastructure entities: datacenters,
racks, servers, network switches and virtual servers. Entities carry typed
attributes, are grouped into pools, and virtual servers are placed on hosts
by resource managers that check declared memory and disk capacity.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./rackcore.yaml)")
	pf.StringVar(&a.storage, "storage", "", "storage driver (memory, sqlite, postgres)")
	pf.StringVar(&a.sqlitePath, "sqlite-path", "", "sqlite database file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVarP(&a.output, "output", "o", "table", "output format (table, json, yaml)")
	pf.BoolVar(&a.trace, "trace", false, "write operation trace spans as JSON to stderr")

	root.AddCommand(
		newEntityCmd(a),
		newAttrCmd(a),
		newPoolCmd(a),
		newWeightCmd(a),
		newVMCmd(a),
		newNameCmd(a),
		newSnapshotCmd(a),
		newLoadCmd(a),
		newVersionCmd(a),
	)
	return root
}

// Execute runs rackctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, opts ...Option) int {
	a := newApp(opts...)
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	err = errors.Join(err, a.teardown())
	if err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	var ruleErr domain.RuleViolationError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ruleErr):
		return ExitRuleViolation
	case errors.Is(err, domain.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrAlreadyAllocated):
		return ExitConflict
	case errors.Is(err, domain.ErrTypeMismatch), errors.Is(err, domain.ErrInvalidState):
		return ExitInvalid
	case errors.Is(err, domain.ErrResourceExhausted):
		return ExitCapacity
	case errors.Is(err, domain.ErrCycleDetected):
		return ExitCycle
	case errors.Is(err, errUsage):
		return ExitUsage
	default:
		return ExitFailure
	}
}

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations["skipSetup"] == "true" || cmd.Name() == "help" {
		return nil
	}
	switch a.output {
	case "table", "json", "yaml":
	default:
		return usageError("unknown output format %q", a.output)
	}

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.storage != "" {
		cfg.Storage.Driver = a.storage
	}
	if a.sqlitePath != "" {
		cfg.Storage.SQLitePath = a.sqlitePath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, a.errOut)

	if a.svc != nil {
		return nil
	}
	store, err := core.OpenPersistentStore(cmd.Context(), cfg.Storage.Core(), core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	svcOpts := []core.Option{
		core.WithLogger(a.logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(a.logger)),
	}
	metrics, err := a.metricsRecorder(cfg.Metrics)
	if err != nil {
		return err
	}
	if metrics != nil {
		svcOpts = append(svcOpts, core.WithMetricsRecorder(metrics))
	}
	if a.trace {
		svcOpts = append(svcOpts, core.WithTracer(core.NewJSONTracer(a.errOut)))
	}
	a.svc = core.NewService(store, svcOpts...)
	a.logger.Debug("store opened", "driver", cfg.Storage.Driver)
	return nil
}

func (a *app) metricsRecorder(cfg config.MetricsConfig) (core.MetricsRecorder, error) {
	switch cfg.Backend {
	case "prometheus":
		a.registry = prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		return rec, nil
	case "expvar":
		a.expvar = core.NewExpvarMetricsRecorder("")
		return a.expvar, nil
	default:
		return nil, nil
	}
}

func (a *app) teardown() error {
	if a.svc == nil || a.cfg == nil {
		return nil
	}
	var errs []error
	if a.registry != nil && a.cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.Metrics.Textfile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if a.expvar != nil {
		snap := a.expvar.Snapshot()
		a.logger.Debug("operation metrics", "results", snap.Results, "durations_ms", snap.DurationsMS)
	}
	if a.ownsService {
		if err := a.svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	store, err := blob.Open(ctx, a.cfg.Blob.Blob())
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
	}
	a.blobs = store
	return store, nil
}
