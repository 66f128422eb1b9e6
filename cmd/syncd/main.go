// Сервис синхронизации: websocket-сессии с живыми представлениями диалогов,
// уведомлений, переписки и ленты вопросов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/config"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/handler"
	"github.com/askhub/livesync/internal/livesync"
	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/middleware"
	"github.com/askhub/livesync/internal/push"
	"github.com/askhub/livesync/internal/startup"
	"github.com/askhub/livesync/internal/ws"
	"github.com/askhub/livesync/migrations"
)

var syncedTables = []string{
	backend.TableConversations, backend.TableMessages, backend.TableNotifications,
	backend.TableQuestions, backend.TableVotes,
}

func main() {
	logger.SetPrefix("syncd")
	defer logger.Flush()
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	migrate := flag.Bool("migrate", false, "apply migrations and exit")
	memory := flag.Bool("memory", false, "keep data in process memory (same as FEED_DRIVER=memory)")
	relay := flag.Bool("relay", false, "copy Postgres changes to Redis until a signal (no websocket server)")
	flag.Parse()

	if err := run(*dev, *memory, *migrate, *relay); err != nil {
		logger.Errorf("syncd: %v", err)
		logger.Flush()
		os.Exit(1)
	}
}

func run(dev, memory, migrateOnly, relayOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if memory {
		cfg.FeedDriver = config.FeedMemory
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Infof("starting sync service (feed=%s)", cfg.FeedDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dev && cfg.FeedDriver != config.FeedMemory {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			return fmt.Errorf("embedded postgres: %w", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var (
		store    backend.Backend
		source   feed.Feed
		closers  []io.Closer
		pool     *pgxpool.Pool
		redisCli *redis.Client
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Errorf("close: %v", err)
			}
		}
	}()

	if cfg.FeedDriver == config.FeedMemory {
		if migrateOnly || relayOnly {
			return errors.New("-migrate and -relay need a database, the memory driver has none")
		}
		broker := feed.NewBroker(cfg.FeedBufferSize)
		closers = append(closers, broker)
		store, source = backend.NewMemory(broker), broker
		logger.Info("in-memory backend, data is lost on restart")
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2
		pool, err = startup.ConnectDB(ctx, poolCfg, 60*time.Second)
		if err != nil {
			return err
		}
		// пул закрывается последним: PGFeed держит соединение до своего Close
		closers = append(closers, closerFunc(pool.Close))

		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		applied, err := migrations.Apply(migrateCtx, pool)
		cancel()
		if err != nil {
			return err
		}
		logger.Infof("migrations applied: %v", applied)
		if migrateOnly {
			return nil
		}
		store = backend.NewPostgres(pool)
	}

	if cfg.FeedDriver == config.FeedRedis || relayOnly {
		redisCli, err = startup.ConnectRedis(ctx, cfg.Redis.URL, 30*time.Second)
		if err != nil {
			return err
		}
		closers = append(closers, redisCli)
	}

	switch {
	case cfg.FeedDriver == config.FeedMemory:
	case relayOnly:
		pg, err := feed.NewPGFeed(ctx, pool, cfg.FeedBufferSize)
		if err != nil {
			return err
		}
		closers = append(closers, pg)
		logger.Infof("relaying %v to redis", syncedTables)
		if err := feed.Relay(ctx, pg, feed.NewRedisPublisher(redisCli), syncedTables...); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case cfg.FeedDriver == config.FeedRedis:
		rf, err := feed.NewRedisFeed(ctx, redisCli, cfg.FeedBufferSize)
		if err != nil {
			return err
		}
		closers = append(closers, rf)
		source = rf
	default:
		pg, err := feed.NewPGFeed(ctx, pool, cfg.FeedBufferSize)
		if err != nil {
			return err
		}
		closers = append(closers, pg)
		source = pg
	}

	sessions := ws.SessionConfig{
		Backend: store,
		Feed:    source,
		Reconnect: livesync.Reconnect{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Initial:     cfg.Reconnect.InitialDelay,
			Max:         cfg.Reconnect.MaxDelay,
		},
		NotificationLimit: cfg.NotificationLimit,
		QuestionLimit:     cfg.QuestionLimit,
	}
	pushClient := push.NewClient(cfg.Push.ServiceURL)
	if pushClient.Enabled() {
		sessions.Notifier = pushClient
	} else {
		logger.Info("PUSH_SERVICE_URL not set, notifications are not shown outside the app")
	}

	hub := ws.NewHub(sessions, cfg.WS.MaxConnections, ws.Limits{
		ActionRate:     rate.Limit(cfg.WS.ActionRate),
		ActionBurst:    cfg.WS.ActionBurst,
		SendBufferSize: cfg.WS.SendBufferSize,
		WriteWait:      time.Duration(cfg.WS.WriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WS.PongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WS.MaxMessageSize),
	})
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	byIP := middleware.NewLimiterStore(600, 100)
	byViewer := middleware.NewLimiterStore(300, 60)
	defer byIP.Stop()
	defer byViewer.Stop()

	wsH := handler.NewWSHandler(hub, cfg.AllowedOrigins())
	configH := handler.NewConfigHandler(cfg, hub)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Viewer-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", configH.Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(byIP, nil))
		r.Get("/api/config/push", configH.GetPushConfig)
		r.Get("/api/config/sync", configH.GetSyncConfig)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.ViewerAuth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(byIP, byViewer))
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/api/push/permission", pushH.GetPermission)
		r.Post("/api/push/deny", pushH.Deny)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	var srvErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr = fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	return srvErr
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "livesync"
		password = "livesync_secret"
		database = "livesync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
