package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bit-shift-io/construct/internal/config"
	"github.com/bit-shift-io/construct/internal/llm"
	"github.com/bit-shift-io/construct/internal/sandbox"
	"github.com/bit-shift-io/construct/internal/session"
	"github.com/bit-shift-io/construct/internal/usage"
)

const version = "0.1.0"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "construct",
	Short: "construct - chat-driven task orchestrator",
	Long: `construct turns chat commands into planned, approved and sandboxed
task execution. Each room gets its own session with a live progress feed;
plans come from a configurable LLM provider and every command runs under
the command policy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
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
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator on a console chat surface",
	Long: `Reads commands from stdin and writes the feed to stdout. Lines are
treated as messages from a single local room:

  .task deploy the website
  .ok
  .status

Use "sender: message" to impersonate another principal, e.g. for testing
admin-gated raw execution.`,
	RunE: runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("construct %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "construct.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, initCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d providers, default %q, projects in %s\n",
		len(cfg.Providers), cfg.DefaultProvider, cfg.System.ProjectsDir)
	for name, p := range cfg.Providers {
		key := "no key"
		if p.APIKey != "" {
			key = "key set"
		}
		fmt.Printf("  %-10s protocol=%s model=%s (%s)\n", name, p.Protocol, p.Model, key)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, err := usage.NewTracker(filepath.Join(cfg.System.ProjectsDir, "usage.json"), logger)
	if err != nil {
		return fmt.Errorf("failed to open usage tracker: %w", err)
	}

	client := llm.NewClient(cfg, llm.ClientConfig{
		MaxConcurrent: 4,
		ActionDelay:   cfg.GetActionDelay(),
		Usage:         tracker,
	}, logger)
	executor := sandbox.NewExecutor(cfg, logger)
	messenger := newConsoleMessenger(os.Stdout)
	router := session.NewRouter(cfg, client, executor, messenger, logger)
	defer func() {
		if err := router.Close(); err != nil {
			logger.Warn("router shutdown", zap.Error(err))
		}
	}()

	const room = "console"
	fmt.Println("construct ready. Type .help for commands, Ctrl-C to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			sender, body := splitSender(line)
			ev, parsed := session.ParseEvent(room, sender, body)
			if !parsed {
				continue
			}
			if err := router.Route(ctx, ev); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

// splitSender peels an optional "sender: " prefix off a console line.
func splitSender(line string) (sender, body string) {
	sender = "@local"
	body = line
	if name, rest, ok := strings.Cut(line, ": "); ok && strings.HasPrefix(name, "@") {
		sender = name
		body = rest
	}
	return sender, body
}
