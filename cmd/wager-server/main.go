package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wagercore/internal/auth"
	"wagercore/internal/battles"
	"wagercore/internal/bus"
	"wagercore/internal/cache"
	"wagercore/internal/config"
	"wagercore/internal/lock"
	"wagercore/internal/logging"
	"wagercore/internal/mines"
	"wagercore/internal/payout"
	"wagercore/internal/retry"
	"wagercore/internal/schedule"
	"wagercore/internal/store"
	httptransport "wagercore/internal/transport/http"
	"wagercore/internal/transport/ws"
	"wagercore/internal/unbox"
	"wagercore/internal/wager"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		panic(err)
	}
	cfg, err := config.LoadApp()
	if err != nil {
		panic(err)
	}
	instance := cfg.Server.InstanceID
	if instance == "" {
		instance = wager.NewID()
	}
	cfg.Log.Instance = instance
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Server.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Server.RedisAddr,
		Password: cfg.Server.RedisPassword,
		DB:       cfg.Server.RedisDB,
	})
	defer rdb.Close()
	kv := cache.NewRedis(rdb)
	if err := kv.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}

	hub := bus.NewHub(256)
	events := bus.NewRedisBus(rdb, hub, instance)

	g := cfg.Game
	cas := retry.Policy{Attempts: g.CASAttempts, Initial: 5 * time.Millisecond, Max: 200 * time.Millisecond, Jitter: 0.2}
	locks := lock.New(kv, g.LockTTL, retry.Policy{Attempts: g.LockAttempts, Initial: g.LockBackoff, Max: 20 * g.LockBackoff, Jitter: 0.2})

	sched := schedule.New(st, schedule.Config{
		Retry: retry.Policy{Initial: time.Second, Max: time.Minute},
	})
	payouts := payout.New(st, payout.Config{
		MaxRetries: g.PayoutMaxRetries,
		Backoff:    retry.Policy{Initial: g.PayoutBackoff, Max: g.PayoutMaxBackoff},
		Retention:  g.PayoutRetention,
	})

	minesSvc := mines.New(st, kv, locks, events, mines.Config{
		HouseEdge:  g.HouseEdge,
		MaxWin:     g.MaxWinCC,
		MinBet:     g.MinesMinBetCC,
		MaxBet:     g.MinesMaxBetCC,
		SessionTTL: g.SessionCacheTTL,
		CAS:        cas,
	})
	battleSvc := battles.New(st, kv, locks, payouts, sched, events, battles.Config{
		HouseEdge:   g.BattlesHouseEdge,
		MaxWin:      g.MaxWinCC,
		MaxCaseCost: g.BattlesMaxCaseCostCC,
		MaxCases:    g.BattlesMaxCases,
		SpinDelay:   g.BattlesSpinDelay,
		StartDelay:  g.BattlesStartDelay,
		Retention:   g.BattlesRetention,
		CacheTTL:    g.SessionCacheTTL,
		CAS:         cas,
	})
	unboxSvc := unbox.New(st, kv, locks, payouts, events)

	verifier := auth.NewVerifier(cfg.Server.JWTSecret)
	sockets := ws.NewServer(ws.Deps{
		Mines:    minesSvc,
		Battles:  battleSvc,
		Unbox:    unboxSvc,
		Auth:     verifier,
		Accounts: st,
		Hub:      hub,
	}, ws.Config{InitialBalance: cfg.Server.InitialBalanceCC})

	r := httptransport.NewRouter(httptransport.Deps{
		Store:    st,
		Cache:    kv,
		Catalog:  st,
		Rooms:    battleSvc,
		Accounts: st,
		Auth:     verifier,
		Cases:    st,
		Payouts:  payouts,
		WS:       http.HandlerFunc(sockets.HandleWS),
		AdminKey: cfg.Server.AdminAPIKey,
	})
	httptransport.LogRoutes(r)

	var workers sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(ctx)
			log.Info().Str("worker", name).Msg("worker stopped")
		}()
	}
	start("bus", events.Run)
	start("tasks", func(ctx context.Context) { sched.Run(ctx, g.TaskPollInterval) })
	start("payouts", func(ctx context.Context) { payouts.Run(ctx, g.PayoutPollInterval) })

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Str("instance", instance).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	workers.Wait()
}
