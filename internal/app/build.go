package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chatsession/internal/chatlog"
	"github.com/ent0n29/chatsession/internal/completion"
	"github.com/ent0n29/chatsession/internal/config"
	"github.com/ent0n29/chatsession/internal/content"
	"github.com/ent0n29/chatsession/internal/engine"
	"github.com/ent0n29/chatsession/internal/httpapi"
	"github.com/ent0n29/chatsession/internal/kvstore"
	"github.com/ent0n29/chatsession/internal/logging"
	"github.com/ent0n29/chatsession/internal/observability"
	"github.com/ent0n29/chatsession/internal/session"
)

type BuildResult struct {
	Config         config.Config
	API            *httpapi.Server
	Sessions       *session.Manager
	Metrics        *observability.Metrics
	Registry       *prometheus.Registry
	Store          kvstore.Store
	StoreBackend   string
	CompletionMode string

	// NewEngine builds the engine for one installation outside any session.
	NewEngine session.EngineFactory

	// Cleanup should be called on shutdown, after sessions are closed.
	Cleanup func() error
}

// Options override collaborators, mostly for tests.
type Options struct {
	Logger     *zerolog.Logger
	Registry   *prometheus.Registry
	Completion completion.Client
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	tables, err := content.Load(cfg.ContentFile)
	if err != nil {
		return nil, fmt.Errorf("content load failed: %w", err)
	}

	store, err := kvstore.NewStore(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("message store init failed: %w", err)
	}

	client, mode := opts.Completion, "custom"
	if client == nil {
		client, mode, err = completion.NewClient(ctx, completion.Config{
			Mode:      cfg.CompletionMode,
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.CompletionMaxTokens,
			HTTPURL:   cfg.CompletionHTTPURL,
			Timeout:   cfg.CompletionTimeout,
			Retries:   cfg.CompletionRetries,
			RetryBase: cfg.CompletionRetryBase,
			RetryCap:  cfg.CompletionRetryCap,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("completion client init failed: %w", err)
		}
	}

	speech := speechSettings(cfg)
	timeouts := captureTimeouts(cfg)
	window := chatlog.Window{Days: cfg.RetentionDays, Location: cfg.Location()}
	engineLogger := logging.Component(logger, "engine")

	factory := func(ctx context.Context, installationID string) (*engine.Engine, error) {
		return engine.New(ctx, engine.Config{
			InstallationID: installationID,
			StoreKey:       engine.StoreKey(cfg.StoreKey, installationID),
			KV:             store,
			Window:         window,
			SaveTimeout:    cfg.StoreSaveTimeout,
			Content:        tables,
			Completion:     client,
			Instructions:   cfg.CompletionInstructions,
			Speech:         speech,
			Timeouts:       timeouts,
			QueueSize:      cfg.DispatchQueueSize,
			Logger:         engineLogger,
			Metrics:        metrics,
		})
	}

	sessionLogger := logging.Component(logger, "session")
	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory, sessionLogger, metrics)
	sessions.SetExpireHook(func(s *session.Session) {
		sessionLogger.Info().
			Str("session_id", s.ID).
			Str("installation_id", s.InstallationID).
			Dur("lifetime", s.LastActivityAt.Sub(s.StartedAt)).
			Msg("session expired")
	})

	api := httpapi.New(cfg, sessions, metrics, reg, logging.Component(logger, "httpapi"))

	backend := kvstore.Backend(cfg.StoreURL)
	logger.Info().
		Str("store_backend", backend).
		Str("completion_mode", mode).
		Str("locale", speech.Locale).
		Int("retention_days", cfg.RetentionDays).
		Msg("chat session service built")

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Sessions:       sessions,
		Metrics:        metrics,
		Registry:       reg,
		Store:          store,
		StoreBackend:   backend,
		CompletionMode: mode,
		NewEngine:      factory,
		Cleanup:        cleanup,
	}, nil
}
