package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/InRunning/click-translate/internal/auth"
	"github.com/InRunning/click-translate/internal/config"
	"github.com/InRunning/click-translate/internal/database"
	"github.com/InRunning/click-translate/internal/logging"
	"github.com/InRunning/click-translate/internal/observability/metrics"
	"github.com/InRunning/click-translate/internal/relay"
	"github.com/InRunning/click-translate/internal/server"
	"github.com/InRunning/click-translate/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "click-translate-api"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Click Translate login and model relay service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("jwt-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("relay-url", defaults.GetString("relay.url"), "Upstream chat-completions URL")
	cmd.PersistentFlags().String("relay-model", defaults.GetString("relay.model"), "Default upstream model")
	cmd.PersistentFlags().Bool("relay-cache", defaults.GetBool("relay.cache"), "Cache successful buffered relay responses")
	cmd.PersistentFlags().Bool("relay-require-auth", defaults.GetBool("relay.require_auth"), "Require an access token on relay routes")
	cmd.PersistentFlags().String("cors-allow-origins", defaults.GetString("cors.allow_origins"), "Comma-separated CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.jwt_secret", "jwt-secret")
	bindFlag(cmd, "relay.url", "relay-url")
	bindFlag(cmd, "relay.model", "relay-model")
	bindFlag(cmd, "relay.cache", "relay-cache")
	bindFlag(cmd, "relay.require_auth", "relay-require-auth")
	bindFlag(cmd, "cors.allow_origins", "cors-allow-origins")
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

	gin.SetMode(gin.ReleaseMode)

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	secret, development := auth.ResolveSigningSecret(appConfig.JWTSecret)
	if development {
		logger.Warn("jwt secret not configured; using development secret")
	}
	signer := auth.NewTokenSigner(auth.TokenSignerConfig{SigningSecret: secret})

	directory, err := users.NewGormDirectory(db)
	if err != nil {
		return err
	}
	resolver, err := users.NewResolver(users.ResolverConfig{
		Directory: directory,
		Secret:    secret,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	loginService, err := auth.NewService(auth.ServiceConfig{
		Resolver: resolver,
		Signer:   signer,
		GuestTTL: appConfig.GuestTokenTTL,
		LocalTTL: appConfig.LocalTokenTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var responseCache *relay.ResponseCache
	if appConfig.Relay.Cache {
		responseCache, err = relay.NewResponseCache(appConfig.Relay.CacheSize)
		if err != nil {
			return err
		}
	}
	if appConfig.Relay.APIKey == "" {
		logger.Warn("relay api key not configured; upstream calls are unauthenticated")
	}

	forwarder, err := relay.NewForwarder(relay.ForwarderConfig{
		Relay: relay.Config{
			URL:           appConfig.Relay.URL,
			APIKey:        appConfig.Relay.APIKey,
			Model:         appConfig.Relay.Model,
			Temperature:   appConfig.Relay.Temperature,
			DefaultStream: appConfig.Relay.Stream,
		},
		Cache:  responseCache,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		LoginService:     loginService,
		Relay:            forwarder,
		TokenValidator:   signer,
		RequireRelayAuth: appConfig.Relay.RequireAuth,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Metrics:          metrics.New(serviceName),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
