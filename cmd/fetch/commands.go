package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevir/fetch/internal/config"
	"github.com/sevir/fetch/internal/logging"
	"github.com/sevir/fetch/internal/server"
	"github.com/sevir/fetch/pkg/models"
)

const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fetch",
		Short: "Run coding agent CLIs as supervised tasks",
		Long: `fetch drives coding agent CLIs (claude, copilot, gemini, opencode and
custom commands) as tracked tasks: it spawns them in a bounded pool, parses
their output for progress and file changes, relays their questions and
records the outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: ~/.fetch/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format override (text, json)")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newInitCmd(opts),
		newAgentsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr), nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host          string
		port          int
		maxConcurrent int
		storePath     string
		logDir        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if maxConcurrent != 0 {
				cfg.Harness.MaxConcurrent = maxConcurrent
			}
			if storePath != "" {
				cfg.Store.Path = storePath
			}
			if logDir != "" {
				cfg.LogDir = logDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				Addr:         cfg.Address(),
				Orchestrator: a.orchestrator,
				Version:      version,
				Commit:       commit,
				AppConfig:    cfg,
				Logger:       logger,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			logger.Info("fetch started",
				"version", version,
				"api", "http://"+cfg.Address()+"/api",
				"agents", strings.Join(variantNames(a.agents.Variants()), ","),
				"max_concurrent", cfg.Harness.MaxConcurrent,
			)

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err = <-errCh:
				if err != nil {
					logger.Error("server error", "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("server shutdown", "error", serr)
			}
			if cerr := a.Close(shutdownTimeout); err == nil {
				err = cerr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server host (default: 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Server port (default: 8765)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum concurrent agent processes")
	cmd.Flags().StringVar(&storePath, "store", "", "Path to the task store file")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for execution transcripts")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		workspace  string
		agent      string
		timeout    string
		pathScope  string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a single task in the foreground and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ws, err := cfg.ResolveWorkspace(workspace)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			req := models.SubmitRequest{
				Goal:      strings.Join(args, " "),
				Workspace: ws,
				Agent:     models.AgentVariant(agent),
				Timeout:   timeout,
				PathScope: pathScope,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			t, runErr := a.orchestrator.Submit(ctx, req)
			if cerr := a.Close(shutdownTimeout); cerr != nil {
				logger.Warn("shutdown", "error", cerr)
			}
			if t == nil {
				return runErr
			}
			// After an interrupt the shutdown above has settled the task.
			if latest, err := a.orchestrator.GetTask(t.ID); err == nil {
				t = latest
			}

			printResult(cmd, t)
			if t.Status != models.TaskStatusCompleted {
				return fmt.Errorf("task %s %s", t.ID, t.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace name or directory")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "Agent variant (default from config)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Task timeout, e.g. 10m")
	cmd.Flags().StringVar(&pathScope, "path-scope", "", "Directory the task should stay within")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retries for runtime failures and timeouts")
	return cmd
}

func printResult(cmd *cobra.Command, t *models.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task:   %s\n", t.ID)
	fmt.Fprintf(out, "agent:  %s\n", t.Agent)
	fmt.Fprintf(out, "status: %s\n", t.Status)
	if t.RetryCount > 0 {
		fmt.Fprintf(out, "retries: %d\n", t.RetryCount)
	}
	if t.LogFile != "" {
		fmt.Fprintf(out, "log:    %s\n", t.LogFile)
	}
	r := t.Result
	if r == nil {
		return
	}
	if r.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", r.Summary)
	}
	for _, group := range []struct {
		label string
		files []string
	}{
		{"created", r.FilesCreated},
		{"modified", r.FilesModified},
		{"deleted", r.FilesDeleted},
	} {
		for _, f := range group.files {
			fmt.Fprintf(out, "  %-8s %s\n", group.label, f)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(out, "\nerror: %s\n", r.Error)
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = filepath.Join(config.Dir(), "config.yaml")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the configured agent variants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			agents, err := adapterRegistry(cfg)
			if err != nil {
				return err
			}
			def := cfg.DefaultAgent()
			for _, v := range agents.Variants() {
				marker := " "
				if v == def {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, v)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fetch %s (%s)\n", version, commit)
		},
	}
}

func variantNames(vs []models.AgentVariant) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
