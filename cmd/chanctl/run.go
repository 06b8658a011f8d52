package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/chanctl/internal/channel"
	"github.com/danmuck/chanctl/internal/observability"
	"github.com/danmuck/chanctl/internal/protocol/session"
	"github.com/danmuck/chanctl/internal/scenario"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultConfigFile = "chanctl.toml"

var errScenariosFailed = errors.New("scenarios failed")

type runOptions struct {
	scenarios   []string
	convID      string
	tokens      string
	configPath  string
	url         string
	resultDir   string
	parallel    int
	waitTimeout time.Duration
	metricsOut  string
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more scenarios",
		Long: `Connect as userB from the tokens file, run each scenario on its own
connection and write .result_<scenario>.json per scenario.

Examples:
  chanctl run --scenario text_chat --conv-id 42
  chanctl run -s typing,read_receipt --conv-id 42 --parallel 2
  chanctl run -s call --tokens e2e/.tokens.json --metrics-out chanctl.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveRunConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := observability.InitLogger("chanctl")
			_, err = runScenarios(cmd.Context(), cfg, opts.scenarios, cmd.OutOrStdout(), logger)
			return err
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.scenarios, "scenario", "s", nil, "Scenario name(s), repeatable or comma-separated")
	f.StringVar(&opts.convID, "conv-id", "", "Conversation id for chat scenarios")
	f.StringVar(&opts.tokens, "tokens", "", "Path to the tokens JSON (default .tokens.json)")
	f.StringVarP(&opts.configPath, "config", "c", "", "TOML config file (default chanctl.toml if present)")
	f.StringVar(&opts.url, "url", "", "Socket URL (default "+defaultURL+")")
	f.StringVar(&opts.resultDir, "result-dir", "", "Directory for result files")
	f.IntVarP(&opts.parallel, "parallel", "p", 0, "Maximum scenarios running at once")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 0, "Per-event wait timeout")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus textfile metrics to this path")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}

// resolveRunConfig layers defaults, the config file, the environment and flags.
func resolveRunConfig(cmd *cobra.Command, opts runOptions) (runConfig, error) {
	cfg := defaultRunConfig()

	path := opts.configPath
	if path == "" && fileExists(defaultConfigFile) {
		path = defaultConfigFile
	}
	if path != "" {
		loaded, err := loadRunConfig(path, cfg)
		if err != nil {
			return runConfig{}, err
		}
		cfg = loaded
	}
	cfg = applyEnv(cfg, os.Getenv)

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.URL = strings.TrimSpace(opts.url)
	}
	if flags.Changed("tokens") {
		cfg.TokensPath = opts.tokens
	}
	if flags.Changed("result-dir") {
		cfg.ResultDir = opts.resultDir
	}
	if flags.Changed("parallel") {
		cfg.Parallel = opts.parallel
	}
	if flags.Changed("wait-timeout") {
		cfg.WaitTimeout = opts.waitTimeout
	}
	cfg.ConvID = strings.TrimSpace(opts.convID)
	cfg.MetricsOut = opts.metricsOut
	return cfg, cfg.validate()
}

// runScenarios runs every named scenario, one connection each, and returns their
// results in argument order. It returns errScenariosFailed when any did not pass.
func runScenarios(ctx context.Context, cfg runConfig, names []string, stdout io.Writer, logger zerolog.Logger) ([]scenario.Result, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("--scenario is required (available: %s)", strings.Join(scenario.Names(), ", "))
	}
	selected := make([]scenario.Scenario, 0, len(names))
	for _, name := range names {
		sc, err := scenario.Lookup(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("%w (available: %s)", err, strings.Join(scenario.Names(), ", "))
		}
		if sc.NeedsConversation && cfg.ConvID == "" {
			return nil, fmt.Errorf("--conv-id is required for scenario %q", sc.Name)
		}
		selected = append(selected, sc)
	}

	tokens, err := scenario.LoadTokens(cfg.TokensPath)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With().Str("run_id", runID).Logger()
	logger.Info().
		Str("url", session.Redact(cfg.URL)).
		Str("conv_id", cfg.ConvID).
		Str("tokens", cfg.TokensPath).
		Int("scenarios", len(selected)).
		Msg("chanctl run starting")

	params := scenario.Params{ConvID: cfg.ConvID, Tokens: tokens, WaitTimeout: cfg.WaitTimeout}
	results := make([]scenario.Result, len(selected))

	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i, sc := range selected {
		i, sc := i, sc
		g.Go(func() error {
			outcome := runOne(ctx, cfg, sc, params, logger)
			res := scenario.NewResult(runID, outcome, time.Now())
			path, err := scenario.WriteResult(cfg.ResultDir, res)
			if err != nil {
				return err
			}
			results[i] = res
			if res.Passed {
				fmt.Fprintf(stdout, "PASS: %s (%s)\n", sc.Name, path)
			} else {
				fmt.Fprintf(stdout, "FAIL: %s: %s (%s)\n", sc.Name, res.Error, path)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	if cfg.MetricsOut != "" {
		if err := observability.WriteTextfile(cfg.MetricsOut); err != nil {
			return results, fmt.Errorf("write metrics: %w", err)
		}
	}

	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%w: %d of %d", errScenariosFailed, failed, len(results))
	}
	return results, nil
}

// runOne connects a dedicated client for sc and always disconnects it.
func runOne(ctx context.Context, cfg runConfig, sc scenario.Scenario, params scenario.Params, logger zerolog.Logger) scenario.Outcome {
	scLogger := logger.With().Str("scenario", sc.Name).Logger()
	client, err := channel.NewClient(channel.Config{
		URL:     cfg.URL,
		Token:   params.Tokens.UserB.Token,
		Session: cfg.Session,
		Logger:  &scLogger,
	})
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		observability.RecordScenario(sc.Name, false, 0)
		return scenario.Outcome{Scenario: sc.Name, Event: sc.Event, Err: fmt.Errorf("connect: %w", err)}
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			scLogger.Warn().Err(err).Msg("disconnect failed")
		}
	}()
	return scenario.Run(ctx, client, sc, params, scLogger)
}
