// Package main запускает HTTP-сервер сервиса учёта переводов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/tipledger/internal/config"
	"github.com/mmeshcher/tipledger/internal/handler"
	"github.com/mmeshcher/tipledger/internal/ledger"
	"github.com/mmeshcher/tipledger/internal/logging"
	"github.com/mmeshcher/tipledger/internal/metrics"
	"github.com/mmeshcher/tipledger/internal/middleware"
	"github.com/mmeshcher/tipledger/internal/model"
	"github.com/mmeshcher/tipledger/internal/policy"
	"github.com/mmeshcher/tipledger/internal/repository"
	"github.com/mmeshcher/tipledger/internal/service"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.IssueTokenFor != "" {
		if err := issueToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	params, err := cfg.PolicyParams()
	if err != nil {
		sugar.Fatalw("policy configuration error", "error", err.Error())
	}
	pol, err := policy.New(params)
	if err != nil {
		sugar.Fatalw("policy configuration error", "error", err.Error())
	}

	repo, err := newRepository(cfg, sugar)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	transferer, err := newLedger(cfg, params.AllowedTokens, sugar)
	if err != nil {
		sugar.Fatalw("ledger initialization error", "error", err.Error())
	}

	m := metrics.New()

	svc := service.NewService(service.Options{
		Repo:    repo,
		Ledger:  transferer,
		Policy:  pol,
		Admin:   model.Principal(cfg.AdminPrincipal),
		Logger:  logger,
		Metrics: m,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, using a random key; tokens will not survive restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.TipRatePerMinute,
		Burst:             cfg.TipBurst,
	})
	h := handler.NewHandler(svc, logger, authMiddleware).
		WithMetrics(m.Handler(), middleware.Metrics(m)).
		WithTipLimiter(limiter.Middleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting tipledger server",
			"addr", cfg.RunAddress,
			"fee_collector", cfg.FeeCollector,
			"tokens", params.AllowedTokens,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// issueToken печатает токен вызывающего для проверки API без внешнего шлюза.
func issueToken(cfg *config.Config) error {
	auth := middleware.NewAuthMiddleware(cfg.AuthSecret)
	token, err := auth.IssueToken(model.Principal(cfg.IssueTokenFor), middleware.DefaultTokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func newRepository(cfg *config.Config, sugar *zap.SugaredLogger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is empty, statistics are kept in memory")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func newLedger(cfg *config.Config, tokens []string, sugar *zap.SugaredLogger) (ledger.Transferer, error) {
	if cfg.LedgerAddress != "" {
		return ledger.NewClient(cfg.LedgerAddress), nil
	}

	genesis, err := cfg.Genesis()
	if err != nil {
		return nil, err
	}

	sugar.Warnw("LEDGER_ADDRESS is empty, using in-memory ledger", "genesis_accounts", len(genesis))
	l := ledger.NewMemoryLedger()
	for _, token := range tokens {
		for p, amount := range genesis {
			if err := l.Credit(p, token, amount); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}
