package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schemaprobe/internal/checks"
	"schemaprobe/internal/config"
	"schemaprobe/internal/engine"
	"schemaprobe/internal/executor"
	"schemaprobe/internal/report"
	"schemaprobe/internal/schema"
	"schemaprobe/internal/stateful"
	"schemaprobe/internal/types"
)

var (
	// Global flags
	flagConfig      string
	flagBaseURL     string
	flagSeed        int64
	flagMaxExamples int
	flagNegative    bool
	flagStateful    bool
	flagMaxDepth    int
	flagWorkers     int
	flagOutputDir   string
	flagTimeout     time.Duration
	flagChecks      []string
	flagDisabled    []string
	flagNoShrink    bool
	flagDebug       bool

	// Logger
	logger *zap.Logger
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// exitCodeFor maps run errors onto exit codes: schema load problems are 2,
// everything else unclassified is 1.
func exitCodeFor(err error) int {
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	var se *schema.Error
	if errors.As(err, &se) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "schemaprobe <schema>",
	Short: "Property-based API testing driven by an OpenAPI schema",
	Long: `schemaprobe loads an OpenAPI document (3.x or Swagger 2.0), generates
schema-valid (or deliberately invalid) requests for every operation, executes
them against a live server and checks the responses for conformance. Failing
examples are minimized before reporting.

The schema argument is a file path or an http(s) URL.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if flagDebug {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "config/config.yaml", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "Base URL of the API under test")
	rootCmd.Flags().Int64Var(&flagSeed, "seed", 0, "Generation seed (0 derives one from the clock)")
	rootCmd.Flags().IntVar(&flagMaxExamples, "max-examples", 0, "Examples per operation")
	rootCmd.Flags().BoolVar(&flagNegative, "negative", false, "Generate deliberately invalid requests")
	rootCmd.Flags().BoolVar(&flagStateful, "stateful", false, "Follow OpenAPI links between operations")
	rootCmd.Flags().IntVar(&flagMaxDepth, "max-depth", 0, "Steps per stateful sequence")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "Concurrent operations")
	rootCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "Directory for JSON reports")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-request timeout")
	rootCmd.Flags().StringSliceVar(&flagChecks, "checks", nil, "Only run these checks")
	rootCmd.Flags().StringSliceVar(&flagDisabled, "disable-checks", nil, "Never run these checks")
	rootCmd.Flags().BoolVar(&flagNoShrink, "no-shrink", false, "Report failures without minimizing them")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// applyFlagOverrides lets explicit flags win over the config file. Only flags
// the user actually set are applied, so config values survive defaults.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("base-url") {
		cfg.Target.BaseURL = flagBaseURL
	}
	if f.Changed("timeout") {
		cfg.Target.Timeout = config.Duration(flagTimeout)
	}
	if f.Changed("seed") {
		cfg.Generation.Seed = flagSeed
	}
	if f.Changed("max-examples") {
		cfg.Generation.MaxExamples = flagMaxExamples
	}
	if f.Changed("negative") {
		cfg.Generation.Negative = flagNegative
	}
	if f.Changed("stateful") {
		cfg.Stateful.Enabled = flagStateful
	}
	if f.Changed("max-depth") {
		cfg.Stateful.MaxDepth = flagMaxDepth
	}
	if f.Changed("workers") {
		cfg.Workers = flagWorkers
	}
	if f.Changed("output-dir") {
		cfg.Reporting.OutputDir = flagOutputDir
	}
	if f.Changed("checks") {
		cfg.Checks.Enabled = flagChecks
	}
	if f.Changed("disable-checks") {
		cfg.Checks.Disabled = flagDisabled
	}
	if f.Changed("no-shrink") {
		on := !flagNoShrink
		cfg.Shrink.Enabled = &on
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if cfg.Generation.Seed == 0 {
		cfg.Generation.Seed = time.Now().UnixNano()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	schemaLoc := args[0]
	started := time.Now()

	cat, err := schema.Load(ctx, schemaLoc)
	if err != nil {
		return err
	}
	for _, w := range cat.Warnings() {
		logger.Warn("schema warning", zap.String("detail", w))
	}
	for _, sk := range cat.Skipped() {
		logger.Warn("operation not testable",
			zap.String("operation", sk.ID),
			zap.String("reason", sk.Reason),
		)
	}
	logger.Info("schema loaded",
		zap.String("location", schemaLoc),
		zap.Int("operations", len(cat.Operations())),
		zap.Int64("seed", cfg.Generation.Seed),
	)

	exec, err := executor.New(executor.Options{
		BaseURL: cfg.Target.BaseURL,
		Timeout: cfg.Target.Timeout.Std(),
		Headers: cfg.AuthHeaders(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	registry := checks.New(logger)
	if err := registry.Configure(cfg.Checks.Enabled, cfg.Checks.Disabled); err != nil {
		return err
	}

	mode := types.ModePositive
	if cfg.Generation.Negative {
		mode = types.ModeNegative
	}
	eng := engine.New(exec, registry, engine.Options{
		MaxExamples:       cfg.Generation.MaxExamples,
		Seed:              cfg.Generation.Seed,
		Mode:              mode,
		MaxErrorRate:      cfg.Generation.MaxErrorRate,
		ShrinkDisabled:    !cfg.ShrinkEnabled(),
		ShrinkMaxAttempts: cfg.Shrink.MaxAttempts,
		Workers:           cfg.Workers,
		Logger:            logger,
	})

	results := eng.RunAll(ctx, cat)

	var sequences []*stateful.Sequence
	if cfg.Stateful.Enabled {
		seq := stateful.New(eng, cat, stateful.Options{
			MaxDepth:          cfg.Stateful.MaxDepth,
			ShrinkDisabled:    !cfg.ShrinkEnabled(),
			ShrinkMaxAttempts: cfg.Shrink.MaxAttempts,
			Logger:            logger,
		})
		sequences = seq.RunAll(ctx)
	}

	rep := report.Build(schemaLoc, cfg, started, results, sequences)
	rep.LogSummary(logger)

	path, err := rep.Write(cfg.Reporting.OutputDir)
	if err != nil {
		return err
	}
	logger.Info("report written", zap.String("path", path))

	switch code := rep.ExitCode(); code {
	case 0:
		return nil
	case 3:
		return &exitError{code: 3, msg: "run cancelled; partial results reported"}
	default:
		return &exitError{code: code, msg: "run finished with failures"}
	}
}
