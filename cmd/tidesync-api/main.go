package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tidesync/internal/config"
	"github.com/MarcoPoloResearchLab/tidesync/internal/database"
	"github.com/MarcoPoloResearchLab/tidesync/internal/logging"
	"github.com/MarcoPoloResearchLab/tidesync/internal/notes"
	"github.com/MarcoPoloResearchLab/tidesync/internal/rowversion"
	"github.com/MarcoPoloResearchLab/tidesync/internal/server"
	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "tidesync-api",
		Short: "Tidesync pull/push sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (all when empty)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret; enables authentication")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("poke-buffer", defaults.GetInt("sync.poke_buffer"), "Buffered pokes per subscriber")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.poke_buffer", "poke-buffer")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return config.ReadConfigFile(viper.GetViper(), cfgFile)
}

func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AuthEnabled() {
				return errors.New("auth.signing_secret is required to mint tokens")
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed as the token subject")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
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
	if err := database.MigrateServer(db, notes.Schema, logger); err != nil {
		return err
	}

	definitions, err := notes.Definitions()
	if err != nil {
		return err
	}
	notesService, err := notes.NewService(notes.ServiceConfig{Definitions: definitions, Logger: logger})
	if err != nil {
		return err
	}
	registry, err := notesService.Registry()
	if err != nil {
		return err
	}
	engine, err := rowversion.NewEngine(rowversion.EngineConfig{
		Schema: notes.Schema,
		Source: rowversion.NewSchemaSource(notes.Schema, rowversion.DefaultBatchSize),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pokes := server.NewPokeHub(appConfig.PokeBuffer, logger)
	syncService, err := syncserver.NewService(syncserver.ServiceConfig[notes.Context]{
		Database:   db,
		Engine:     engine,
		Registry:   registry,
		NewContext: notes.NewContext,
		Notifier:   pokes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var sessions server.SessionValidator
	if appConfig.AuthEnabled() {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			Tokens:     issuer,
			CookieName: appConfig.CookieName,
		})
		if err != nil {
			return err
		}
		sessions = validator
		logger.Info("session authentication enabled", zap.String("cookie", validator.CookieName()))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sync:              syncService,
		Pokes:             pokes,
		Sessions:          sessions,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Poke streams never go idle; tying requests to signalCtx ends them on shutdown.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("auth", appConfig.AuthEnabled()))
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
