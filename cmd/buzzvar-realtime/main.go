package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/auth"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/config"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/cursor"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/database"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/gateway"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/logging"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/realtime"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/server"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/vibes"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "buzzvar-realtime",
		Short: "Buzzvar realtime update agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("status-address", defaults.GetString("status.address"), "Status HTTP listen address")
	cmd.PersistentFlags().String("websocket-url", defaults.GetString("realtime.websocket_url"), "Realtime websocket URL")
	cmd.PersistentFlags().String("poll-base-url", defaults.GetString("realtime.poll_base_url"), "Polling fallback base URL")
	cmd.PersistentFlags().String("actor-id", defaults.GetString("realtime.actor_id"), "Actor identifier sent on the auth frame")
	cmd.PersistentFlags().String("channels", defaults.GetString("realtime.channels"), "Comma-separated channel topics to subscribe")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared watermarks (optional)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "status.address", "status-address")
	bindFlag(cmd, "realtime.websocket_url", "websocket-url")
	bindFlag(cmd, "realtime.poll_base_url", "poll-base-url")
	bindFlag(cmd, "realtime.actor_id", "actor-id")
	bindFlag(cmd, "realtime.channels", "channels")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Register()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// Shared deployments keep watermarks in redis so a replacement agent
	// resumes from the fleet-wide cursor; single-node agents use sqlite.
	var cursors realtime.WatermarkStore
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		cursors = cursor.NewRedisStore(redisClient, 0)
	} else {
		cursors = cursor.NewSQLStore(db, time.Now)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	var realtimeClient *realtime.Client

	vibeService, err := vibes.NewService(vibes.ServiceConfig{
		DB:       db,
		Gateway:  gateway.New(logging.Named(logger, "gateway")),
		Sessions: sessions,
		Connectivity: func() bool {
			if realtimeClient == nil {
				return true
			}
			return realtimeClient.Mode() != realtime.ModeDisconnected
		},
		GeofenceRadius: appConfig.GeofenceRadius,
		Logger:         logging.Named(logger, "vibes"),
	})
	if err != nil {
		return err
	}

	realtimeClient = realtime.NewClient(realtime.ClientConfig{
		WebsocketURL:      appConfig.WebsocketURL,
		PollBaseURL:       appConfig.PollBaseURL,
		ActorID:           appConfig.ActorID,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		PollInterval:      appConfig.PollInterval,
		CheckInterval:     appConfig.CheckInterval,
		BatchWindow:       appConfig.BatchWindow,
		Cursors:           cursors,
		Probe:             vibeService.Probe,
		Logger:            logging.Named(logger, "realtime"),
	})

	unsubscribes := make([]func(), 0, len(appConfig.Channels))
	for _, channel := range appConfig.Channels {
		cancel := realtimeClient.Subscribe(channel, func(events []realtime.Event) {
			for _, event := range events {
				if err := vibeService.ApplyChange(ctx, event); err != nil {
					logger.Warn("apply change failed",
						zap.String("channel", event.Channel),
						zap.String("record_id", event.RecordID),
						zap.Error(err))
				}
			}
		})
		unsubscribes = append(unsubscribes, cancel)
	}

	if err := realtimeClient.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, polling until the stream recovers", zap.Error(err))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Realtime: realtimeClient,
		Probe:    vibeService.Probe,
		Logger:   logging.Named(logger, "status"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.StatusAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server starting", zap.String("address", appConfig.StatusAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	shutdown := func() error {
		for _, cancel := range unsubscribes {
			cancel()
		}
		realtimeClient.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-signalCtx.Done():
		return shutdown()
	case err := <-errCh:
		if shutdownErr := shutdown(); shutdownErr != nil {
			logger.Warn("shutdown failed", zap.Error(shutdownErr))
		}
		return err
	}
}

func newMintTokenCommand() *cobra.Command {
	var actorID string
	var displayName string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a session token for local development",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appViper := viper.GetViper()
			secret := appViper.GetString("session.signing_secret")
			issuerName := appViper.GetString("session.issuer")

			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        issuerName,
				SessionTTL:    ttl,
			})
			if err != nil {
				return err
			}

			token, err := issuer.IssueSessionToken(actorID, displayName)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&actorID, "actor-id", "", "Actor identifier for the token subject")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default 12h)")

	return cmd
}
