package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatrelay/internal/api"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/service/session"
	"chatrelay/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CHATRELAY_CONFIG"))
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.BasicConfig)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	var cacheClient *cache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = cache.NewClient(cfg)
		if err != nil {
			logger.Warn("redis unavailable, running without history cache", zap.Error(err))
		} else {
			defer cacheClient.Close()
		}
	}

	repo := session.New(db, cfg.Chat.DefaultTitle)
	gateway, err := ai.NewService(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("init model gateway: %w", err)
	}
	orchestrator := chat.New(repo, gateway, cacheClient, logger, cfg.Chat)

	router := gin.Default()
	api.NewHandler(repo, orchestrator, db, logger).RegisterRoutes(router, cfg.CORSOriginList())

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("provider", cfg.Chat.Provider),
		zap.String("database", dbType),
		zap.Bool("history_cache", cacheClient != nil),
	)
	return router.Run(addr)
}
