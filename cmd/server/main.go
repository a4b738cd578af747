// Package main runs the live polling HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classpulse/backend/config"
	"github.com/classpulse/backend/internal/countdown"
	"github.com/classpulse/backend/internal/middleware"
	"github.com/classpulse/backend/internal/polls"
	"github.com/classpulse/backend/internal/realtime"
	"github.com/classpulse/backend/internal/session"
	"github.com/classpulse/backend/pkg/database"
	"github.com/classpulse/backend/pkg/queue"
	"github.com/classpulse/backend/pkg/redis"
	"github.com/classpulse/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer closeStore()

	hub := realtime.NewHub(logger)
	coord := session.NewCoordinator(
		session.NewState(),
		hub,
		repo,
		countdown.NewScheduler(nil, logger),
		sessionPolicy(cfg.Session),
		logger,
	)
	hub.SetDispatcher(coord)

	// Results archive queue (optional; the session runs without it)
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("results archive disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			coord.SetResultsSink(queue.NewQueue(rdb.Client, logger))
		}
	}

	sessionCtx, stopSession := context.WithCancel(context.Background())
	defer stopSession()
	go coord.Run(sessionCtx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "connections": hub.ConnectionCount()})
	})
	polls.NewHandler(repo, coord, logger).Register(router)
	router.GET("/ws", realtime.ServeWs(hub, realtime.NewUpgrader(cfg.Server.CORSAllowedOrigins), logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	stopSession()
	logger.Info("server stopped")
}

// openStore connects the configured question store and runs its setup.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (polls.Repository, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		client, err := database.NewMongoClient(ctx, cfg.Mongo.URI, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", zap.Error(err))
			}
		}
		return polls.NewMongoRepository(client.Database(cfg.Mongo.Database)), closeFn, nil
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return polls.NewPGRepository(pool), pool.Close, nil
	}
}

func sessionPolicy(c config.SessionConfig) session.Policy {
	p := session.DefaultPolicy()
	p.OneVotePerParticipant = c.OneVotePerParticipant
	p.RequirePresenter = c.RequirePresenter
	p.DefaultTimeLimit = c.DefaultTimeLimitSec
	p.MaxOptions = c.MaxOptions
	p.PersistTimeout = c.PersistTimeout
	p.PersistRetries = c.PersistRetries
	return p
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
