// Package app wires the educhat runtime: config, logging, the chat client
// and its collaborators, and the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"educhat/cmd/internal/backend"
	"educhat/cmd/internal/chat"
	"educhat/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App owns one chat.Client and everything it depends on.
type App struct {
	cfg Config
	log Logger

	tokens     token.Source
	api        *backend.Client
	client     *chat.Client
	transcript chat.Transcript
	metrics    *prometheus.Registry

	dbPool    *pgxpool.Pool
	dbEnabled bool

	closeOnce sync.Once
	closeErr  error
}

// New constructs a fully wired App. It does not connect; opening the first
// conversation does.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(reg)

	tokens := newTokenSource(cfg)

	api, err := backend.New(log, backend.Config{
		BaseURL:       cfg.APIBaseURL,
		UploadRetries: cfg.UploadRetries,
		UploadBackoff: cfg.UploadBackoff,
		RPS:           cfg.APIRPS,
		Burst:         cfg.APIBurst,
	}, tokens)
	if err != nil {
		return nil, err
	}

	dialer, err := chat.NewStompDialer(log, chat.StompDialerConfig{
		URL:               cfg.BrokerURL,
		HeartbeatOutgoing: cfg.HeartbeatOutgoing,
		HeartbeatIncoming: cfg.HeartbeatIncoming,
	})
	if err != nil {
		return nil, err
	}

	transcript, pool, err := newTranscript(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	client := chat.NewClient(log, chat.Config{
		UserID:              cfg.UserID,
		ChannelPathTemplate: cfg.ChannelPathTemplate,
		PublishDestination:  cfg.PublishDestination,
		HistoryLimit:        cfg.HistoryLimit,
		Manager: chat.ManagerConfig{
			ConnectTimeout: cfg.ConnectTimeout,
			PublishTimeout: cfg.PublishTimeout,
			Reconnect: chat.ReconnectConfig{
				BaseDelay: cfg.ReconnectBase,
				MaxDelay:  cfg.ReconnectMax,
				Ceiling:   cfg.ReconnectCeiling,
			},
		},
	}, chat.Deps{
		Dialer:     dialer,
		Tokens:     tokens,
		Backend:    api,
		Transcript: transcript,
		Metrics:    metrics,
	})

	return &App{
		cfg:        cfg,
		log:        log,
		tokens:     tokens,
		api:        api,
		client:     client,
		transcript: transcript,
		metrics:    reg,
		dbPool:     pool,
		dbEnabled:  pool != nil,
	}, nil
}

// Client returns the wired chat client.
func (a *App) Client() *chat.Client { return a.client }

// Run executes task alongside the status server (when configured) and tears
// everything down once task returns or ctx is cancelled.
func (a *App) Run(ctx context.Context, task func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if a.cfg.StatusAddr != "" {
		mux := http.NewServeMux()
		registerHTTP(mux, a.log, a.cfg, a.client.Connection(), a.dbPool, a.dbEnabled, a.metrics)

		srv := &http.Server{
			Addr:              a.cfg.StatusAddr,
			Handler:           WithRequestLogging(mux, a.log),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		g.Go(func() error {
			a.log.Info("status.start", "addr", a.cfg.StatusAddr, "db_enabled", a.dbEnabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("status.fail", "err", err)
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("status.shutdown.fail", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return task(gctx)
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("app.close.fail", "err", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the chat client, the transcript store and the pool.
// Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.client.Close()
		if a.dbPool != nil {
			a.dbPool.Close()
		}
		a.log.Info("app.stopped")
	})
	return a.closeErr
}

func newTokenSource(cfg Config) token.Source {
	if strings.TrimSpace(cfg.TokenFile) != "" {
		return token.NewCookieFile(cfg.TokenFile)
	}
	return token.Env(cfg.TokenEnv)
}

// newTranscript picks Postgres when a database is configured and the
// in-memory store otherwise. The app owns the pool.
func newTranscript(ctx context.Context, cfg Config, log Logger) (chat.Transcript, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_transcript")
		return chat.NewInMemoryTranscript(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("transcript db: %w", err)
	}

	store, err := chat.NewPostgresTranscript(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("transcript schema: %w", err)
	}

	log.Info("db.enabled.postgres_transcript", "schema", cfg.DBSchema)
	return store, pool, nil
}
