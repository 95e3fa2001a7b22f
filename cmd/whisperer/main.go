package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"whisperer/internal/app"
	"whisperer/internal/config"
	"whisperer/internal/logging"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

// flagValues mirrors the command line; zero values mean "not given".
type flagValues struct {
	configPath  string
	historyPath string
	serverPath  string
	modelPath   string
	serverPort  int
	lines       int
	ctxSize     int
	nPredict    int
	threads     int
	logLevel    string
	logFormat   string
	metricsAddr string
	echoPrompt  bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	var runErr error
	cmd := newRootCmd(lookup, func(cmd *cobra.Command, cfg config.Config) error {
		log, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		log.Debug().
			Str("server", cfg.Server.BinaryPath).
			Str("model", cfg.Server.ModelPath).
			Str("history", cfg.History.Path).
			Int("port", cfg.Server.Port).
			Msg("starting")
		runErr = app.New(cfg, log, stdout, stderr).Run(ctx)
		return runErr
	})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, app.ErrInterrupted) {
			return exitInterrupted
		}
		fmt.Fprintf(stderr, "whisperer: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// newRootCmd builds the single command. action receives the fully layered
// configuration: defaults, then --config, then environment, then flags.
func newRootCmd(lookup func(string) (string, bool), action func(*cobra.Command, config.Config) error) *cobra.Command {
	var fv flagValues
	def := config.Default()
	root := &cobra.Command{
		Use:           "whisperer",
		Short:         "Explain the last lines of your terminal history with a local llama.cpp server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, fv, lookup)
			if err != nil {
				return err
			}
			return action(cmd, cfg)
		},
	}

	f := root.Flags()
	// -h belongs to --historyPath
	f.Bool("help", false, "help for whisperer")
	f.StringVarP(&fv.historyPath, "historyPath", "h", def.History.Path, "Terminal history file to read")
	f.IntVarP(&fv.serverPort, "serverPort", "p", def.Server.Port, "Port for the llama.cpp server")
	f.StringVarP(&fv.serverPath, "serverPath", "s", def.Server.BinaryPath, "llama.cpp server binary")
	f.StringVarP(&fv.modelPath, "modelPath", "m", def.Server.ModelPath, "Model file passed to the server")
	f.IntVarP(&fv.lines, "lines", "l", def.History.Lines, "Number of history lines to explain")
	f.StringVar(&fv.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	f.StringVar(&fv.logLevel, "log-level", def.Log.Level, "Log level: debug|info|warn|error|off")
	f.StringVar(&fv.logFormat, "log-format", def.Log.Format, "Log format: console|json")
	f.StringVar(&fv.metricsAddr, "metrics-addr", "", "Serve /status and /metrics on this address, e.g. 127.0.0.1:9090")
	f.BoolVar(&fv.echoPrompt, "echo-prompt", true, "Print the prompt before the completion")
	f.IntVar(&fv.ctxSize, "ctx-size", def.Server.ContextSize, "Context size passed to the server")
	f.IntVar(&fv.nPredict, "n-predict", def.Sampling.NPredict, "Maximum number of tokens to generate")
	f.IntVar(&fv.threads, "threads", def.Sampling.Threads, "Threads used for generation")
	return root
}

func buildConfig(cmd *cobra.Command, fv flagValues, lookup func(string) (string, bool)) (config.Config, error) {
	cfg := config.Default()
	if fv.configPath != "" {
		fc, err := config.Load(fv.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.Merge(fc)
	}
	env, err := config.FromEnv(lookup)
	if err != nil {
		return cfg, err
	}
	cfg = cfg.Merge(env)

	changed := cmd.Flags().Changed
	if changed("historyPath") {
		cfg.History.Path = fv.historyPath
	}
	if changed("serverPort") {
		cfg.Server.Port = fv.serverPort
	}
	if changed("serverPath") {
		cfg.Server.BinaryPath = fv.serverPath
	}
	if changed("modelPath") {
		cfg.Server.ModelPath = fv.modelPath
	}
	if changed("lines") {
		cfg.History.Lines = fv.lines
	}
	if changed("log-level") {
		cfg.Log.Level = fv.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = fv.logFormat
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = fv.metricsAddr
	}
	if changed("echo-prompt") {
		v := fv.echoPrompt
		cfg.Client.EchoPrompt = &v
	}
	if changed("ctx-size") {
		cfg.Server.ContextSize = fv.ctxSize
	}
	if changed("n-predict") {
		cfg.Sampling.NPredict = fv.nPredict
	}
	if changed("threads") {
		cfg.Sampling.Threads = fv.threads
	}

	cfg, err = cfg.ExpandPaths()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
