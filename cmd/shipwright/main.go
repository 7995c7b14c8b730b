// Package main provides the shipwright binary entry point. Shipwright
// turns feature requests into reviewed pull requests through a staged,
// human-gated pipeline running over NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register LLM providers via init().
	_ "github.com/c360studio/shipwright/llm/providers"

	"github.com/c360studio/shipwright/config"
	"github.com/c360studio/shipwright/intake"
	"github.com/c360studio/shipwright/policy"
	"github.com/c360studio/shipwright/workflow"
)

const (
	version = "0.1.0"
	appName = "shipwright"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Feature-to-PR workflow engine",
		Long: `Shipwright runs feature requests through a staged pipeline:
repository ingestion, feasibility, architecture, timeline, and summary
analysis, multi-agent patch generation, policy evaluation, sandbox
verification, and finally a pull request -- with a human approval gate
before anything is written to the code host.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(requestCmd(&configPath, &logLevel))
	cmd.AddCommand(validatePolicyCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline: orchestrator, intake, and every stage worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			app := NewApp(cfg, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return err
			}

			logger.Info("shipwright ready", "version", version)
			<-ctx.Done()
			logger.Info("shutdown signal received")

			app.Shutdown()
			return nil
		},
	}
}

// requestCmd submits a workflow creation request to a running instance over
// the intake stream.
func requestCmd(configPath, logLevel *string) *cobra.Command {
	var (
		goal          string
		justification string
		repo          string
		baseBranch    string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit a feature request to a running shipwright",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("request needs nats.url pointing at a running instance")
			}

			owner, name, ok := strings.Cut(repo, "/")
			if !ok {
				return fmt.Errorf("--repo must be owner/name, got %q", repo)
			}

			req := intake.CreateRequest{
				FeatureGoal:           goal,
				BusinessJustification: justification,
				Repos: []workflow.Repo{{
					Owner:      owner,
					Name:       name,
					BaseBranch: baseBranch,
					Role:       workflow.RepoRolePrimary,
				}},
			}
			data, err := json.Marshal(req)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := publishIntake(ctx, cfg.NATS.URL, workflow.IntakeOpCreate, data); err != nil {
				return err
			}

			logger.Info("request submitted", "goal", goal, "repo", repo)
			return nil
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "Feature goal (required)")
	cmd.Flags().StringVar(&justification, "why", "", "Business justification")
	cmd.Flags().StringVar(&repo, "repo", "", "Target repository as owner/name (required)")
	cmd.Flags().StringVar(&baseBranch, "base", "main", "Base branch")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func validatePolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-policy <file>",
		Short: "Check a policy file for syntax and regex errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid: %d frozen files, %d deny globs, %d secret patterns\n",
				args[0], len(cfg.FrozenFiles), len(cfg.DenyGlobs), len(cfg.SecretPatterns))
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
