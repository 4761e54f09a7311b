package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/config"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/database"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/server"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Login portal with local and OAuth sign-in",
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

// Secrets come from env or config files, never from argv.
func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().Duration("store-timeout", defaults.GetDuration("store.timeout"), "Timeout applied to each user store call")
	cmd.PersistentFlags().Duration("session-ttl", defaults.GetDuration("session.ttl"), "Session lifetime")
	cmd.PersistentFlags().Bool("secure-cookies", defaults.GetBool("session.secure_cookie"), "Mark cookies as Secure")
	cmd.PersistentFlags().Int("bcrypt-cost", defaults.GetInt("bcrypt.cost"), "bcrypt work factor for new passwords")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the JSON API")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "store.timeout", "store-timeout")
	bindFlag(cmd, "session.ttl", "session-ttl")
	bindFlag(cmd, "session.secure_cookie", "secure-cookies")
	bindFlag(cmd, "bcrypt.cost", "bcrypt-cost")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

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

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Timeout:  appConfig.StoreTimeout,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	registry, err := buildRegistry(appConfig, userService, logger)
	if err != nil {
		return err
	}

	registrar, err := auth.NewRegistrar(auth.RegistrarConfig{
		Store: userService,
		Cost:  appConfig.BcryptCost,
	})
	if err != nil {
		return err
	}

	principals, err := auth.NewPrincipalResolver(userService)
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionCodec(auth.SessionCodecConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  registry,
		Registrar:      registrar,
		Principals:     principals,
		Sessions:       sessions,
		HealthCheck:    userService.Ping,
		AllowedOrigins: appConfig.AllowedOrigins,
		SecureCookies:  appConfig.SecureCookies,
		Logger:         logger,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("providers", registry.Providers()),
		)
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

// buildRegistry registers the local verifier plus every provider whose client credentials are configured.
func buildRegistry(appConfig config.AppConfig, store *users.Service, logger *zap.Logger) (*auth.Registry, error) {
	localVerifier, err := auth.NewLocalVerifier(auth.LocalVerifierConfig{
		Store:  store,
		Logger: logger,
		Cost:   appConfig.BcryptCost,
	})
	if err != nil {
		return nil, err
	}
	registry, err := auth.NewRegistry(localVerifier)
	if err != nil {
		return nil, err
	}

	if appConfig.GitHub.Enabled() {
		githubVerifier, err := auth.NewGitHubVerifier(auth.ProviderConfig{
			ClientID:     appConfig.GitHub.ClientID,
			ClientSecret: appConfig.GitHub.ClientSecret,
			CallbackURL:  appConfig.GitHub.CallbackURL,
			Store:        store,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(githubVerifier); err != nil {
			return nil, err
		}
	}

	if appConfig.Google.Enabled() {
		idTokens, err := auth.NewGoogleIDTokenVerifier(auth.IDTokenVerifierConfig{
			ClientID: appConfig.Google.ClientID,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		googleVerifier, err := auth.NewGoogleVerifier(auth.ProviderConfig{
			ClientID:     appConfig.Google.ClientID,
			ClientSecret: appConfig.Google.ClientSecret,
			CallbackURL:  appConfig.Google.CallbackURL,
			Store:        store,
			Logger:       logger,
			IDTokens:     idTokens,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(googleVerifier); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
