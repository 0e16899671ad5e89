package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/logger"
	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/redis"
	"chatrelay/internal/storage"
	"chatrelay/internal/stream"
	"chatrelay/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load(os.Getenv("CHATRELAY_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl := logger.New(cfg.Log.Level, cfg.Log.JSON)
	defer zl.Sync()

	dbType := cfg.BasicConfig.Database
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		zl.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		zl.Fatal("migrate database", zap.Error(err))
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		zl.Fatal("create redis client", zap.Error(err))
	}
	defer rdb.Close()

	ctx := context.Background()
	providers, err := provider.NewSet(ctx, cfg.Providers, zl.Named("provider"))
	if err != nil {
		zl.Fatal("init providers", zap.Error(err))
	}

	dispatcher := worker.NewDispatcher(worker.Options{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, zl.Named("worker"))

	m := metrics.New()
	m.TrackQueue(dispatcher.Pending, dispatcher.Workers)
	chats, err := chat.NewService(db, dbType)
	if err != nil {
		zl.Fatal("init chat service", zap.Error(err))
	}
	streams := stream.NewService(rdb, chats, dispatcher, cfg.Relay, m, zl.Named("stream"))

	handlers := api.NewHandler(api.Deps{
		Chats:     chats,
		Auth:      auth.NewService(db, cfg.Auth, zl.Named("auth")),
		Streams:   streams,
		Providers: providers,
		Jobs:      dispatcher,
		Metrics:   m,
		Logger:    zl.Named("api"),
	})

	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	// no write timeout: SSE responses stay open for the whole generation
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("server listening", zap.String("addr", addr), zap.Strings("providers", providers.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		zl.Warn("dispatcher shutdown", zap.Error(err))
	}
}
