package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coinview/internal/accounts"
	"coinview/internal/admin"
	"coinview/internal/auth"
	"coinview/internal/balance"
	"coinview/internal/config"
	"coinview/internal/db"
	"coinview/internal/deposits"
	"coinview/internal/health"
	"coinview/internal/httpserver"
	"coinview/internal/ledger"
	"coinview/internal/notify"
	"coinview/internal/portfolio"
	"coinview/internal/prices"
	"coinview/internal/sim"
	"coinview/internal/withdrawals"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	bus := notify.NewBus()
	priceSvc := prices.NewService(cfg.PriceAPIURL, cfg.PriceTTL, rdb, log)
	balanceSvc := balance.NewService(pool, bus, log)
	allocator := portfolio.NewAllocator(pool, priceSvc, log)
	ledgerStore := ledger.NewStore(pool)
	accountSvc := accounts.NewService(pool)
	authSvc := auth.NewService(pool, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL, accountSvc)
	withdrawalSvc := withdrawals.NewService(pool, balanceSvc, cfg.WithdrawFeeRate, log)
	depositSvc := deposits.NewService(pool, balanceSvc, allocator, cfg.TickInterval, log)
	growth := sim.NewGrowth(pool, balanceSvc, allocator, priceSvc, cfg.GrowthMinPct, cfg.GrowthMaxPct, cfg.GrowthBatch, log)
	ticker := sim.NewTicker(pool, balanceSvc, allocator, cfg.TickInterval, cfg.TickRate, cfg.TickPoll, cfg.TickBatch, log)

	adminHandler := admin.NewHandler(admin.Deps{
		Pool:        pool,
		JWTSecret:   cfg.JWTSecret,
		Balances:    balanceSvc,
		Alloc:       allocator,
		Ledger:      ledgerStore,
		Accounts:    accountSvc,
		Deposits:    depositSvc,
		Withdrawals: withdrawalSvc,
		Growth:      growth,
		Ticker:      ticker,
		SimInterval: cfg.TickInterval,
		Log:         log,
	})

	router := httpserver.NewRouter(ctx, httpserver.RouterDeps{
		AuthHandler:        auth.NewHandler(authSvc),
		AccountsHandler:    accounts.NewHandler(balanceSvc, allocator, ledgerStore),
		WithdrawalsHandler: withdrawals.NewHandler(withdrawalSvc),
		DepositsHandler:    deposits.NewHandler(depositSvc),
		AdminHandler:       adminHandler,
		HealthHandler:      health.NewHandler(pool),
		AuthService:        authSvc,
		AccountsService:    accountSvc,
		WSHandler:          httpserver.NewWSHandler(bus, authSvc, accountSvc, cfg.WebSocketOrigin, log),
	})

	scheduler := sim.NewScheduler(ctx, log)
	if _, err := scheduler.Add(cfg.GrowthCron, growth.RunOnce); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.GrowthCron).Msg("growth cron")
	}
	scheduler.Start()
	defer scheduler.Stop()

	go ticker.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server")
	}
}
