package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bissquit/herald/internal/app"
	"github.com/bissquit/herald/internal/config"
	"github.com/bissquit/herald/internal/domain"
	"github.com/bissquit/herald/internal/notifications"
	"github.com/bissquit/herald/internal/notifications/memory"
	notificationspostgres "github.com/bissquit/herald/internal/notifications/postgres"
	"github.com/bissquit/herald/internal/pkg/auth"
	"github.com/bissquit/herald/internal/pkg/postgres"
	"github.com/bissquit/herald/internal/version"
	"github.com/bissquit/herald/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "herald",
		Short:         "Herald asynchronous notification delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, delivery worker and reconciliation jobs",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- application.Run()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			var runErr error
			select {
			case sig := <-quit:
				slog.Info("received signal", "signal", sig.String())
			case runErr = <-errCh:
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := application.Shutdown(ctx); err != nil {
				return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
			}

			slog.Info("herald stopped")
			return runErr
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadPostgresConfig(*configPath)
			if err != nil {
				return err
			}
			return migrations.Up(cfg.Database.URL)
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadPostgresConfig(*configPath)
			if err != nil {
				return err
			}
			return migrations.Down(cfg.Database.URL, steps)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(upCmd, downCmd)
	return cmd
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [job]",
		Short: "Run reconciliation jobs once",
		Long: "Run one reconciliation job, or all of them when no job is given. Jobs: " +
			strings.Join([]string{
				notifications.JobPromoteScheduled,
				notifications.JobPromoteFailed,
				notifications.JobPurgeExpiredInApp,
				notifications.JobRecoverStuck,
			}, ", "),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			repo, cleanup, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			scheduler, err := app.NewJobScheduler(cfg, repo)
			if err != nil {
				return fmt.Errorf("create job scheduler: %w", err)
			}

			jobs := scheduler.Jobs()
			if len(args) == 1 {
				jobs = args
			}

			for _, name := range jobs {
				affected, err := scheduler.RunOnce(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("job %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, affected)
			}
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			repo, cleanup, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := repo.GetQueueStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get queue stats: %w", err)
			}

			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var subject, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			r := domain.Role(role)
			if !r.IsValid() {
				return fmt.Errorf("unknown role %q", role)
			}

			token, err := auth.NewAuthenticator(auth.Config{
				SecretKey:     cfg.Auth.SecretKey,
				Issuer:        cfg.Auth.Issuer,
				TokenDuration: cfg.Auth.TokenDuration,
			}).IssueToken(subject, r)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the calling service name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleProducer), "producer, operator or admin")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "herald %s\n", version.Get())
		},
	}
}

func loadPostgresConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Driver != config.StorageDriverPostgres {
		return nil, fmt.Errorf("migrations require the %s storage driver", config.StorageDriverPostgres)
	}
	return cfg, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (notifications.Repository, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		return memory.NewRepository(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	return notificationspostgres.NewRepository(db), db.Close, nil
}
