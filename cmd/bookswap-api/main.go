package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/auth"
	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"github.com/bookswap-hq/bookswap/backend/internal/config"
	"github.com/bookswap-hq/bookswap/backend/internal/database"
	"github.com/bookswap-hq/bookswap/backend/internal/exchange"
	"github.com/bookswap-hq/bookswap/backend/internal/ledger"
	"github.com/bookswap-hq/bookswap/backend/internal/logging"
	"github.com/bookswap-hq/bookswap/backend/internal/server"
	"github.com/bookswap-hq/bookswap/backend/internal/users"
	"github.com/bookswap-hq/bookswap/backend/internal/valuation"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookswap-api",
		Short: "BookSwap exchange and points ledger service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("auth.session_issuer"), "Expected issuer of identity-provider session tokens")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int64("signup-bonus", defaults.GetInt64("points.signup_bonus"), "Points credited when an account is first provisioned")
	cmd.PersistentFlags().Int64("listing-bonus", defaults.GetInt64("points.listing_bonus"), "Points credited for listing a book")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Shared signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.session_issuer", "session-issuer")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "points.signup_bonus", "signup-bonus")
	bindFlag(cmd, "points.listing_bonus", "listing-bonus")
	bindFlag(cmd, "log.level", "log-level")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		TokenTTL:      appConfig.TokenTTL,
	})

	idProvider := ledger.NewUUIDProvider()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:    db,
		Ledger:      ledgerService,
		SignupBonus: appConfig.SignupBonus,
	})
	if err != nil {
		return err
	}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:     db,
		IDProvider:   idProvider,
		Ledger:       ledgerService,
		ListingBonus: appConfig.ListingBonus,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	demandCounter, err := exchange.NewDemandCounter(db, catalogService)
	if err != nil {
		return err
	}

	valuationEngine, err := valuation.NewEngine(valuation.EngineConfig{
		Catalog: catalogService,
		Demand:  demandCounter,
		Cache:   catalogService,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	exchangeService, err := exchange.NewService(exchange.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Ledger:     ledgerService,
		Catalog:    catalogService,
		Appraiser:  valuationEngine,
		Names:      usersService,
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		TokenManager:     tokenManager,
		Users:            usersService,
		Ledger:           ledgerService,
		Catalog:          catalogService,
		Exchange:         exchangeService,
		Valuation:        valuationEngine,
		Realtime:         dispatcher,
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
