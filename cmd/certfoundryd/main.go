package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certfoundry/internal/certs"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/model"
	"github.com/blockadesystems/certfoundry/internal/renew"
	"github.com/blockadesystems/certfoundry/internal/server"
	"github.com/blockadesystems/certfoundry/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certfoundry starting",
		zap.String("store_dir", cfg.StoreDir),
		zap.String("acme_directory", cfg.ACMEDirectory),
		zap.String("http_address", cfg.HTTPAddress),
		zap.String("status_address", cfg.StatusAddress))

	store, err := storage.NewFileStore(cfg.StoreDir)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err), zap.String("store_dir", cfg.StoreDir))
	}
	logger.Info("store opened")

	challenges := challenge.NewHandler(cfg.TLSALPNEnabled)
	cache := certs.NewCache(store.LoadKeyPair, cfg.FallbackCN)
	warmCache(store, cache)

	manager := renew.NewManager(cfg, store, challenges)
	manager.OnCommit = func(name string) {
		if err := cache.Refresh(name); err != nil {
			logger.Warn("failed to refresh serving cache", zap.String("domain", name), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{
		Store:      store,
		Config:     cfg,
		Challenges: challenges,
		Cache:      cache,
		Kick:       func() { go manager.CheckAll(ctx) },
	}

	httpInstance := echo.New()
	statusInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, deps, logger)
	server.ApplyCommonMiddleware(statusInstance, deps, logger)
	server.SetupRouter(httpInstance, statusInstance, deps)

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("renewal manager exited", zap.Error(err))
		}
	}()
	go func() {
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("challenge listener failed", zap.Error(err))
		}
	}()
	go func() {
		if err := statusInstance.Start(cfg.StatusAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("status listener failed", zap.Error(err))
		}
	}()
	logger.Info("certfoundry running")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Warn("challenge listener shutdown failed", zap.Error(err))
	}
	if err := statusInstance.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status listener shutdown failed", zap.Error(err))
	}
}

// warmCache preloads the serving cache with every complete domain so the
// first TLS handshake after a restart is served from memory.
func warmCache(store storage.Store, cache *certs.Cache) {
	mds, err := store.ListMDs()
	if err != nil {
		logger.Warn("failed to list domains for cache warmup", zap.Error(err))
		return
	}
	for _, md := range mds {
		if md.State != model.StateComplete {
			continue
		}
		if err := cache.Refresh(md.Name); err != nil {
			logger.Warn("failed to preload certificate",
				zap.String("domain", md.Name), zap.Error(err))
		}
	}
	logger.Info("serving cache warmed", zap.Int("domains", len(mds)))
}
