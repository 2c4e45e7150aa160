package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"histoxai/internal/chat"
	"histoxai/internal/config"
	"histoxai/internal/llm"
	"histoxai/internal/manager"
	"histoxai/internal/onnx"
	"histoxai/internal/registry"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	envFile    string
	cfg        config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "histoxai",
		Short:         "Colorectal histology tile classifier with explanations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "Dotenv file to load if present")
	pf.String("models-dir", "", "Directory holding one subdirectory per architecture")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.String("device", "", "Compute device: cpu or cuda:<n>")
	pf.String("ort-library", "", "Path to the ONNX Runtime shared library")
	pf.Bool("strict-checkpoints", false, "Fail an architecture on any checkpoint issue")

	root.AddCommand(newServeCmd(a), newPredictCmd(a), newExplainCmd(a), newModelsCmd(a))
	return root
}

// init resolves configuration: defaults < file < env < flags.
func (a *app) init(cmd *cobra.Command) error {
	cfg := config.Config{}
	if a.configPath != "" {
		c, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	if err := config.LoadEnv(&cfg, a.envFile); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("models-dir") {
		cfg.ModelsDir, _ = flags.GetString("models-dir")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("device") {
		cfg.Device, _ = flags.GetString("device")
	}
	if flags.Changed("ort-library") {
		cfg.ORTLibrary, _ = flags.GetString("ort-library")
	}
	if flags.Changed("strict-checkpoints") {
		cfg.StrictCheckpoints, _ = flags.GetBool("strict-checkpoints")
	}
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	cfg.ApplyDefaults()
	a.cfg = cfg

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// newLogger writes human-readable output to terminals and JSON otherwise.
func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", level, err)
	}
	var l zerolog.Logger
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(lvl).With().Timestamp().Logger(), nil
}

// discover lists entries according to the configured models dir and
// per-architecture overrides.
func (a *app) discover() ([]registry.Entry, error) {
	overrides := make(map[string]registry.Override, len(a.cfg.Models))
	for name, m := range a.cfg.Models {
		overrides[name] = registry.Override{
			Checkpoint: m.Checkpoint,
			Graph:      m.Graph,
			GradGraph:  m.GradGraph,
			Disabled:   m.Disabled,
		}
	}
	return registry.Discover(a.cfg.ModelsDir, overrides)
}

func (a *app) newManager() (*manager.Manager, error) {
	entries, err := a.discover()
	if err != nil {
		return nil, err
	}
	dev, err := onnx.ParseDevice(a.cfg.Device)
	if err != nil {
		return nil, err
	}
	factory := onnx.NewFactory(onnx.Options{
		LibraryPath:    a.cfg.ORTLibrary,
		Device:         dev,
		IntraOpThreads: a.cfg.IntraOpThreads,
	})
	return manager.NewWithConfig(manager.ManagerConfig{
		Entries:           entries,
		Factory:           factory,
		InputSizes:        a.cfg.InputSizes(),
		HeadHidden:        a.cfg.HeadHidden,
		StrictCheckpoints: a.cfg.StrictCheckpoints,
		Representative:    a.cfg.Explain.Representative,
		Explain:           a.cfg.Explain.Config,
		Logger:            &a.log,
	}), nil
}

// newAssistant returns nil when no API key is configured.
func (a *app) newAssistant() *chat.Service {
	backend, err := llm.NewOpenAI(llm.Options{
		APIKey:      a.cfg.Chat.APIKey,
		BaseURL:     a.cfg.Chat.BaseURL,
		Model:       a.cfg.Chat.Model,
		Temperature: a.cfg.Chat.Temperature,
		MaxTokens:   a.cfg.Chat.MaxTokens,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("chat disabled")
		return nil
	}
	return chat.NewService(backend, a.log)
}
