package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chatsession/internal/app"
	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/config"
	"github.com/ent0n29/chatsession/internal/engine"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("chatsession failed")
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "chatsession",
		Short:         "Chat session engine with voice capture and persisted transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("file", envFile).Msg("env file not loaded")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	root.AddCommand(newServeCmd(), newTranscriptCmd())
	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.SetGlobal(logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty}))
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.BindAddr = bind
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address, overrides APP_BIND_ADDR")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Logger
	res, err := app.Build(ctx, cfg, app.Options{Logger: &logger})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	res.Sessions.StartJanitor(ctx, 5*time.Second)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
		res.Sessions.CloseAll(shutdownCtx)
		if err := res.Cleanup(); err != nil {
			logger.Error().Err(err).Msg("cleanup failed")
		}
		logger.Info().Msg("shutdown complete")
		return nil
	})
	return eg.Wait()
}

func newTranscriptCmd() *cobra.Command {
	var installation string
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the stored transcript of an installation as JSON without modifying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := kvstore.NewStore(ctx, cfg.StoreURL)
			if err != nil {
				return err
			}
			defer store.Close()

			window := chatlog.Window{Days: cfg.RetentionDays, Location: cfg.Location()}
			msgs, err := chatlog.ReadTranscript(ctx, store, engine.StoreKey(cfg.StoreKey, installation), window, time.Now())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(msgs)
		},
	}
	cmd.Flags().StringVar(&installation, "installation", "default", "installation id whose transcript is printed")
	return cmd
}
