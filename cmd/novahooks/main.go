package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/KurumiTJK/novahooks/internal/api"
	"github.com/KurumiTJK/novahooks/internal/config"
	"github.com/KurumiTJK/novahooks/internal/dispatch"
	"github.com/KurumiTJK/novahooks/internal/events"
	"github.com/KurumiTJK/novahooks/internal/models"
	"github.com/KurumiTJK/novahooks/internal/signing"
	"github.com/KurumiTJK/novahooks/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "novahooks",
		Short: "NovaHooks — signed, retried, audited webhook delivery for NovaOS",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(webhookCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the NovaHooks server and delivery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			dispatcher := dispatch.NewDispatcher(dispatch.Config{
				PollInterval:      cfg.Dispatch.PollInterval,
				BatchSize:         cfg.Dispatch.BatchSize,
				UserAgent:         cfg.Dispatch.UserAgent,
				RetentionInterval: cfg.Retention.Interval,
				DeliveryTTL:       cfg.Retention.DeliveryTTL,
				AttemptTTL:        cfg.Retention.AttemptTTL,
			}, store, log)
			emitter := events.NewEmitter(dispatcher, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			dispatcher.Start(ctx)

			server := api.NewServer(*cfg, store, dispatcher, emitter, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Str("environment", cfg.Environment).
				Int("port", cfg.Server.Port).
				Dur("poll_interval", cfg.Dispatch.PollInterval).
				Msg("NovaHooks is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			dispatcher.Stop()

			log.Info().Msg("NovaHooks stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			fmt.Println("migrations completed successfully")
			return nil
		},
	}
}

func webhookCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a webhook subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			url, _ := cmd.Flags().GetString("url")
			eventsFlag, _ := cmd.Flags().GetString("events")
			if userID == "" || url == "" {
				return fmt.Errorf("--user and --url are required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := storage.ValidateTargetURL(url, cfg.Development()); err != nil {
				return err
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var eventTypes []string
			if eventsFlag != "" {
				eventTypes = strings.Split(eventsFlag, ",")
			}

			now := time.Now().UTC()
			sub := &models.Subscription{
				ID:         models.NewID("whk"),
				UserID:     userID,
				URL:        url,
				Secret:     signing.GenerateSecret(),
				EventTypes: eventTypes,
				Status:     models.SubscriptionActive,
				Options:    models.DefaultSubscriptionOptions(),
				CreatedAt:  now,
				UpdatedAt:  now,
			}

			if err := store.CreateSubscription(context.Background(), sub); err != nil {
				return fmt.Errorf("failed to create webhook: %w", err)
			}

			out, _ := json.MarshalIndent(sub, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("user", "", "owning user id")
	createCmd.Flags().String("url", "", "target URL")
	createCmd.Flags().String("events", "", "comma-separated event types (empty matches all)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: novahooks webhook list <user_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := store.ListSubscriptions(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to list webhooks: %w", err)
			}

			if len(subs) == 0 {
				fmt.Println("No webhooks found.")
				return nil
			}

			for _, sub := range subs {
				fmt.Printf("  %s  %s  %s  %v\n", sub.ID, sub.Status, sub.URL, sub.EventTypes)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery stats for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: novahooks stats <user_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("NovaHooks v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.Storage.SQLite.Path).Msg("using SQLite storage")
		store, err := storage.NewSQLite(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		store.SetSubscriptionLimit(cfg.Webhooks.MaxPerUser)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
