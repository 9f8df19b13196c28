package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"postpart-sync/common/database"
	mqttcommon "postpart-sync/common/mqtt"
	rediscommon "postpart-sync/common/redis"
	"postpart-sync/internal/auth"
	"postpart-sync/internal/backend"
	"postpart-sync/internal/backend/postgres"
	"postpart-sync/internal/backend/postgres/migrate"
	"postpart-sync/internal/backend/rest"
	"postpart-sync/internal/cache"
	"postpart-sync/internal/config"
	"postpart-sync/internal/feed/mqttfeed"
	"postpart-sync/internal/feed/redisstream"
	"postpart-sync/internal/feed/wsfeed"
	"postpart-sync/internal/refresh"
	"postpart-sync/internal/uiapi"
	"postpart-sync/internal/userdata"
)

// SyncService wires the backend, change feed, cache and session into a
// user data context and serves it to the UI shell.
type SyncService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	listener    *postgres.Listener
	wsFeed      *wsfeed.Feed
	auth        *auth.Manager
	data        *userdata.Context
	httpServer  *http.Server
}

// NewSyncService connects to everything the configuration selects.
func NewSyncService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	s := &SyncService{config: cfg, logger: logger}

	authURL := cfg.Auth.URL
	if authURL == "" {
		authURL = cfg.Backend.RESTURL
	}
	s.auth = auth.NewManager(auth.NewClient(authURL, cfg.Backend.APIKey, cfg.Backend.Timeout, logger), logger)

	store, err := s.openBackend(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	if cfg.Sync.CacheBackend == "redis" || cfg.Feed.Kind == "redis" {
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
	}

	var kv cache.KV = cache.NewMemoryKV()
	if cfg.Sync.CacheBackend == "redis" {
		kv = cache.NewRedisKV(s.redisClient)
	}
	cacheStore := cache.NewStore(kv, cfg.Sync.CacheNamespace, logger)

	feed, err := s.openFeed()
	if err != nil {
		s.close()
		return nil, err
	}

	s.data = userdata.New(userdata.Deps{
		Store:   store,
		Feed:    feed,
		Cache:   cacheStore,
		Session: s.auth,
	}, userdata.Options{
		PollInterval: cfg.Sync.PollInterval,
		Loader: refresh.LoaderOptions{
			RecentCheckInsLimit: cfg.Sync.RecentCheckInsLimit,
			CentresLimit:        cfg.Sync.CentresLimit,
			CacheTTL:            cfg.Sync.CacheTTL,
		},
	}, logger)

	s.httpServer = &http.Server{
		Addr:              cfg.UI.Addr,
		Handler:           uiapi.NewServer(s.data, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *SyncService) openBackend(ctx context.Context) (backend.Store, error) {
	cfg := s.config
	switch cfg.Backend.Kind {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if cfg.Backend.Migrate {
			if err := migrate.Run(db, s.logger); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		return postgres.New(db, s.logger), nil
	case "rest":
		return rest.New(rest.Options{
			BaseURL:    cfg.Backend.RESTURL,
			APIKey:     cfg.Backend.APIKey,
			Timeout:    cfg.Backend.Timeout,
			RetryCount: 2,
		}, s.auth, s.logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Backend.Kind)
	}
}

// openFeed returns nil for the "none" kind; the poll then carries freshness alone.
func (s *SyncService) openFeed() (backend.ChangeFeed, error) {
	cfg := s.config
	switch cfg.Feed.Kind {
	case "postgres":
		s.listener = postgres.NewListener(cfg.Database.GetDSN(), s.logger)
		return s.listener, nil
	case "redis":
		return redisstream.New(s.redisClient, cfg.Feed.StreamPrefix, cfg.Feed.Block, s.logger), nil
	case "mqtt":
		client, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
		if err != nil {
			return nil, err
		}
		s.mqttClient = client
		return mqttfeed.New(client, cfg.Feed.TopicPrefix, cfg.MQTT.QoS, s.logger), nil
	case "websocket":
		s.wsFeed = wsfeed.New(cfg.Feed.WebsocketURL, s.auth, s.logger)
		return s.wsFeed, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported feed kind: %s", cfg.Feed.Kind)
	}
}

// Start runs until ctx ends or the UI server fails.
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting sync service",
		zap.String("backend", s.config.Backend.Kind),
		zap.String("feed", s.config.Feed.Kind),
		zap.String("cache", s.config.Sync.CacheBackend),
		zap.String("ui_addr", s.config.UI.Addr),
	)

	if s.listener != nil {
		if err := s.listener.Start(ctx); err != nil {
			return fmt.Errorf("failed to start change listener: %w", err)
		}
	}

	dataDone := make(chan struct{})
	go func() {
		defer close(dataDone)
		_ = s.data.Run(ctx)
	}()

	if token := s.config.Auth.AccessToken; token != "" {
		if _, err := s.auth.SignIn(ctx, token, s.config.Auth.RefreshToken); err != nil {
			s.logger.Error("Sign in with configured token failed", zap.Error(err))
		}
	} else {
		s.logger.Warn("No AUTH_ACCESS_TOKEN configured, waiting signed out")
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		<-dataDone
		return nil
	case err := <-errChan:
		return fmt.Errorf("ui server: %w", err)
	}
}

// Stop shuts the UI server down and releases connections. The session is not
// signed out, so the cache survives for the next start.
func (s *SyncService) Stop(ctx context.Context) error {
	s.data.Shutdown(ctx)

	var errs []error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown ui server: %w", err))
		}
	}
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *SyncService) close() error {
	var errs []error
	if s.wsFeed != nil {
		if err := s.wsFeed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
