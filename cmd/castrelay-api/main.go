package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castrelay/castrelay/internal/auth"
	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/hub"
	"github.com/castrelay/castrelay/internal/identity"
	"github.com/castrelay/castrelay/internal/logging"
	"github.com/castrelay/castrelay/internal/managed"
	"github.com/castrelay/castrelay/internal/message"
	"github.com/castrelay/castrelay/internal/metrics"
	"github.com/castrelay/castrelay/internal/ratelimit"
	"github.com/castrelay/castrelay/internal/server"
	"github.com/castrelay/castrelay/internal/signer"
	"github.com/castrelay/castrelay/internal/storage"
	"github.com/castrelay/castrelay/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "castrelay-api",
		Short: "Castrelay signer and publishing backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("hub-base-url", defaults.GetString("hub.base_url"), "Direct protocol hub base URL")
	cmd.PersistentFlags().String("managed-base-url", defaults.GetString("managed.base_url"), "Managed SDK base URL")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Flat-file store root directory")
	cmd.PersistentFlags().Uint64("app-fid", defaults.GetUint64("app.fid"), "Application FID used to sign delegations")
	cmd.PersistentFlags().Int("ratelimit-window-seconds", defaults.GetInt("ratelimit.window_seconds"), "Rate limit window in seconds")
	cmd.PersistentFlags().Int("ratelimit-max-requests", defaults.GetInt("ratelimit.max_requests"), "Requests allowed per window")
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("sweep.interval_minutes"), "Session sweep interval in minutes")
	cmd.PersistentFlags().Int("sweep-max-age-hours", defaults.GetInt("sweep.max_age_hours"), "Session age limit in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("managed-api-key", "", "Managed SDK API key (overrides env)")
	cmd.PersistentFlags().String("app-mnemonic", "", "Application recovery phrase (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "JWT signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "hub.base_url", "hub-base-url")
	bindFlag(cmd, "managed.base_url", "managed-base-url")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "app.fid", "app-fid")
	bindFlag(cmd, "ratelimit.window_seconds", "ratelimit-window-seconds")
	bindFlag(cmd, "ratelimit.max_requests", "ratelimit-max-requests")
	bindFlag(cmd, "sweep.interval_minutes", "sweep-interval-minutes")
	bindFlag(cmd, "sweep.max_age_hours", "sweep-max-age-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "managed.api_key", "managed-api-key")
	bindFlag(cmd, "app.mnemonic", "app-mnemonic")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := storage.NewFileStore(storage.Config{Root: appConfig.StorePath})
	if err != nil {
		return err
	}

	hubClient, err := hub.NewClient(hub.Config{
		BaseURL: appConfig.HubBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	managedClient := managed.NewClient(managed.Config{
		APIKey:  appConfig.ManagedAPIKey,
		BaseURL: appConfig.ManagedBaseURL,
		Logger:  logger,
	})

	// The direct provider is optional; without an app identity the service
	// rejects direct signer creation with a validation error.
	var appIdentity *identity.AppIdentity
	if appConfig.AppFID != 0 && appConfig.AppMnemonic != "" {
		appIdentity, err = identity.NewAppIdentity(identity.Config{
			FID:      appConfig.AppFID,
			Mnemonic: appConfig.AppMnemonic,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("application identity not configured, direct provider disabled")
	}

	builder, err := message.NewBuilder(time.Now)
	if err != nil {
		return err
	}

	collector := metrics.New()

	repository := signer.NewRepository()
	signerService, err := signer.NewService(signer.ServiceConfig{
		Repository: repository,
		Store:      store,
		Hub:        hubClient,
		Managed:    managedClient,
		App:        appIdentity,
		Builder:    builder,
		IDProvider: signer.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return err
	}
	if err := signerService.Rehydrate(); err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Hub:     hubClient,
		Managed: managedClient,
		Store:   store,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "castrelay",
		Audience:      "castrelay-api",
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:      appConfig.RateWindow,
		MaxRequests: appConfig.RateMax,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Signers:          signerService,
		Users:            userService,
		Tokens:           tokenIssuer,
		Limiter:          limiter,
		Metrics:          collector,
		ManagedAvailable: managedClient.Available(),
		DirectAvailable:  appIdentity != nil,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := signer.NewSweeper(signer.SweeperConfig{
		Store:    store,
		Repo:     repository,
		Interval: appConfig.SweepInterval,
		MaxAge:   appConfig.SessionMaxAge,
		Logger:   logger,
	})
	go sweeper.Run(signalCtx)
	go runLimiterSweep(signalCtx, limiter, appConfig.RateWindow)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runLimiterSweep periodically drops idle identifiers so the limiter's
// memory stays bounded by active clients, not lifetime clients.
func runLimiterSweep(ctx context.Context, limiter *ratelimit.Limiter, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
