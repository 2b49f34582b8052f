// Command pseshost runs an interactive pipeline execution host against the
// in-process engine. It exists to exercise the host end to end: a REPL with
// background task draining, debugger pauses (the `debug` statement), nested
// prompts (`nested`) and Ctrl-C cancellation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pseshost "github.com/smnsjas/go-pseshost"
	"github.com/smnsjas/go-pseshost/config"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/execution"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/logging"
	"github.com/smnsjas/go-pseshost/readline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath        string
		logLevel       string
		nonInteractive bool
		commands       []string
	)

	cmd := &cobra.Command{
		Use:           "pseshost",
		Short:         "Run an interactive pipeline execution host",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if nonInteractive {
				cfg.Interactive = false
			}
			return run(cmd.Context(), cfg, commands)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "disable the REPL; only run -c commands")
	cmd.Flags().StringArrayVarP(&commands, "command", "c", nil, "command to run before the REPL starts (repeatable)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, commands []string) error {
	logger := logging.New(os.Stderr, slogLevel(cfg.LogLevel))
	ui := host.NewWriterUI(os.Stdout)

	factory := func() (engine.Engine, error) {
		eng := engine.NewLocalEngine()
		eng.RegisterFunction("prompt", func(context.Context, []any) ([]any, error) {
			return []any{fmt.Sprintf("%s %s", cfg.ComputerName, cfg.PromptFallback)}, nil
		})
		return eng, nil
	}

	opts := []pseshost.Option{
		pseshost.WithConfig(cfg),
		pseshost.WithLogger(logger),
		pseshost.WithUI(ui),
	}
	if cfg.Interactive {
		opts = append(opts, pseshost.WithReadLine(readline.NewReader(os.Stdin)))
	}

	h, err := pseshost.New(factory, opts...)
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return err
	}

	// Ctrl-C cancels whatever is running; it never kills the host. A
	// second signal kind (SIGTERM) or closing stdin winds the host down.
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	defer signal.Stop(sigint)
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)
	defer signal.Stop(sigterm)

	go func() {
		for {
			select {
			case <-sigint:
				h.CancelCurrentTask()
			case <-sigterm:
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = h.Shutdown(shutdownCtx)
				cancel()
				return
			case <-h.Done():
				return
			}
		}
	}()

	for _, c := range commands {
		task := h.ExecuteCommandAsync(ctx, engine.NewScript(c), execution.ExecutionOptions{
			WriteOutputToHost: true,
			AddToHistory:      true,
		})
		if _, err := task.Wait(ctx); err != nil {
			logger.Error("startup command failed", "command", c, "error", err)
		}
	}

	if !cfg.Interactive {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	}

	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
