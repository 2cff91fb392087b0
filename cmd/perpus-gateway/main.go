// Package main запускает HTTP-шлюз библиотеки perpus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/perpus-gateway/internal/config"
	"github.com/mmeshcher/perpus-gateway/internal/directory"
	"github.com/mmeshcher/perpus-gateway/internal/handler"
	"github.com/mmeshcher/perpus-gateway/internal/middleware"
	"github.com/mmeshcher/perpus-gateway/internal/perpusapi"
	"github.com/mmeshcher/perpus-gateway/internal/service"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("time zone error", "error", err.Error(), "tz", cfg.TimeZone)
	}

	client := perpusapi.NewClient(cfg.APIBaseURL,
		perpusapi.WithTimeout(cfg.APITimeout),
		perpusapi.WithRateLimit(cfg.APIRateLimit),
		perpusapi.WithFallbackToken(cfg.APIToken),
		perpusapi.WithLogger(logger.Named("perpusapi")),
	)

	dir := directory.NewCache(client,
		directory.WithTTL(cfg.MemberCacheTTL),
		directory.WithPageSize(cfg.MemberPageSize),
		directory.WithLogger(logger.Named("directory")),
	)

	svc := service.NewService(client, dir,
		service.WithLocation(loc),
		service.WithLogger(logger.Named("service")),
		service.WithTokenTTL(cfg.AuthCacheTTL),
	)

	authMiddleware := middleware.NewAuthMiddleware()
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый прогрев каталога участников
	g.Go(func() error {
		if cfg.MemberRefreshInterval > 0 && cfg.APIToken == "" {
			sugar.Warnw("member directory refresh needs API_TOKEN, worker disabled")
			return nil
		}
		return svc.RunDirectoryRefresh(ctx, cfg.MemberRefreshInterval)
	})

	g.Go(func() error {
		sugar.Infow("starting perpus gateway",
			"addr", cfg.RunAddress,
			"api", cfg.APIBaseURL,
			"tz", loc.String(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
