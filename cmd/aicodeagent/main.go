// Command aicodeagent runs one agent session against the project's code
// directory and stores the run under the output directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/riccardocaporali/AICodeAgent/agentloop"
	"github.com/riccardocaporali/AICodeAgent/config"
	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/riccardocaporali/AICodeAgent/unifiedllm"
)

var (
	// Flags
	configPath string
	verbose    bool
	echoIO     bool
	reset      bool
	demo       bool
	offline    bool
	recordDir  string

	cfg    *config.Config
	logger *zap.Logger
)

// errExit signals a failure whose message was already printed.
var errExit = errors.New("exit")

var rootCmd = &cobra.Command{
	Use:   "aicodeagent [prompt]",
	Short: "Refactor and debug Python code with a tool-calling model",
	Long: `aicodeagent sends the prompt to the model together with five tools
(list files, read file, run script, propose changes, apply changes) and
drives the conversation until the model answers in plain text.

Changes are proposed in one run and applied in a later one. Every run is
stored under the output directory; the next run starts from its summary
unless --reset is given.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		zcfg := zap.NewProductionConfig()
		level, _ := zapcore.ParseLevel(cfg.Logging.Level)
		if verbose {
			level = zapcore.DebugLevel
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
		logger, err = zcfg.Build()
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
	RunE: runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "Config file")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Print call arguments, responses and token usage")
	rootCmd.Flags().BoolVar(&echoIO, "I_O", false, "Print the messages sent to the model and every gating decision")
	rootCmd.Flags().BoolVar(&reset, "reset", false, "Ignore the previous run")
	rootCmd.Flags().BoolVar(&demo, "demo", false, "Work on the bundled demo project")
	rootCmd.Flags().BoolVar(&offline, "offline", false, "Replay canned responses instead of calling the model")
	rootCmd.Flags().StringVar(&recordDir, "record", "", "Store every model response under this directory for --offline")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "No prompt provided")
		return errExit
	}
	if !offline && cfg.LLM.APIKey == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Missing %s in environment. Aborting.\n", config.KeyEnv(cfg.LLM.Provider))
		return errExit
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root, err := filepath.Abs(cfg.Paths.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	cfg.Paths.ProjectRoot = root

	client, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close model client", zap.Error(err))
		}
	}()

	return execute(ctx, client, prompt, cmd.OutOrStdout())
}

// buildClient registers the adapter of the configured provider, or the
// replay adapter with --offline, under the provider's name.
func buildClient(ctx context.Context, cfg *config.Config) (*unifiedllm.Client, error) {
	provider := cfg.LLM.Provider
	model := cfg.ResolvedModel()

	var adapter unifiedllm.ProviderAdapter
	switch {
	case offline:
		dir := cfg.LLM.CannedDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.Paths.ProjectRoot, dir)
		}
		logger.Info("replaying canned responses", zap.String("dir", dir))
		adapter = unifiedllm.NewReplayAdapter(dir)
	case provider == "gemini":
		a, err := unifiedllm.NewGeminiAdapter(ctx, cfg.LLM.APIKey, model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		adapter = a
	default:
		a, err := unifiedllm.NewGollmAdapter(provider, cfg.LLM.APIKey, unifiedllm.WithModel(model))
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	opts := []unifiedllm.ClientOption{
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
	}
	if recordDir != "" {
		opts = append(opts, unifiedllm.WithMiddleware(unifiedllm.RecordMiddleware(recordDir)))
	}
	return unifiedllm.NewClient(opts...), nil
}

// execute runs one session and persists it. An aborted run is persisted
// before the command fails.
func execute(ctx context.Context, client unifiedllm.Completer, prompt string, out io.Writer) error {
	outDir, err := runstore.ResolveOutputDir(cfg.OutputRoot(), cfg.Paths.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve output directory: %w", err)
	}
	store, err := runstore.OpenStore(outDir, logger)
	if err != nil {
		return err
	}
	run, err := store.InitSession(cfg.Runs.Retention, cfg.Runs.RolloverCeiling)
	if err != nil {
		return err
	}

	sc := cfg.SessionConfig()
	sc.Verbose = verbose
	sc.EchoIO = echoIO
	sc.Reset = reset
	sc.Demo = demo

	sess, err := agentloop.NewSession(agentloop.SessionDeps{
		Client:   client,
		Recorder: runstore.NewRecorder(run, logger),
		Previous: store.LoadPrevious(run),
		Logger:   logger,
		Out:      out,
	}, sc)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logEvents(sess.Events())
	}()

	res, runErr := sess.Run(ctx, prompt)
	<-done

	if res != nil {
		if err := store.Persist(run, res.Outcome, res.Record(), res.OutcomeMessage); err != nil {
			return fmt.Errorf("failed to persist run: %w", err)
		}
	}
	if runErr != nil {
		logger.Error("run aborted", zap.String("run_id", run.ID), zap.Error(runErr))
		return errExit
	}
	return nil
}

// logEvents mirrors the session's events at debug level until the session
// closes the channel.
func logEvents(events <-chan agentloop.SessionEvent) {
	for ev := range events {
		if ce := logger.Check(zapcore.DebugLevel, "session event"); ce != nil {
			ce.Write(
				zap.String("kind", string(ev.Kind)),
				zap.String("run_id", ev.RunID),
				zap.Any("data", ev.Data),
			)
		}
	}
}
