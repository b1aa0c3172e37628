package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fluent/pkg/catalog"
	"fluent/pkg/config"
	"fluent/pkg/core"
	"fluent/pkg/meta"
	"fluent/pkg/server"

	_ "github.com/mattn/go-sqlite3"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func main() {
	configPath := flag.String("config", "fluent.yaml", "path to the config file")
	envPath := flag.String("env", ".env", "path to the env file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	catalogStorage, err := catalog.Connect(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("connect to catalog db", zap.Error(err))
	}
	defer catalogStorage.Close()

	metaStorage, err := meta.Connect(cfg.MetaPath)
	if err != nil {
		logger.Fatal("connect to meta db", zap.Error(err))
	}
	defer metaStorage.Close()

	core := core.New(metaStorage, catalogStorage, cfg.Scheduling, core.WithLogger(logger))
	if err := core.Load(); err != nil {
		logger.Fatal("load data", zap.Error(err))
	}

	srv := server.New(core, logger)
	router := mux.NewRouter()
	srv.Register(router)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: router}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shut down server", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.Listen))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("run server", zap.Error(err))
	}

	if err := srv.Close(); err != nil {
		logger.Error("end sessions", zap.Error(err))
	}
	if err := core.Close(); err != nil {
		logger.Error("save decks", zap.Error(err))
	}
}
