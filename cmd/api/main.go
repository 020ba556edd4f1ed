package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/events"
	"gatehouse.dev/internal/health"
	"gatehouse.dev/internal/httpapi"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/revocation"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides GATEHOUSE_HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.LoadAPI()
	if err != nil {
		obs.Logger().Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, obs.ParseLevel(cfg.LogLevel)))

	// Инициализация observability (регистрация метрик и build_info)
	obs.Init()
	obs.InitBuildInfo("gatehouse-api", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Logger().Error("api stopped with error", "error", err)
		os.Exit(1)
	}
	obs.Logger().Info("stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	log := obs.Logger().With("module", "api")

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	codec, err := auth.NewTokenCodec(cfg.Tokens)
	if err != nil {
		return err
	}
	revocations := revocation.New(rdb, cfg.RevocationTTL)
	publisher := events.NewPublisher(rdb, events.WithMaxLen(cfg.Stream.MaxLen))
	svc, err := auth.NewService(auth.NewPGStore(db), codec, revocations, publisher,
		auth.WithFrontendURL(cfg.FrontendURL))
	if err != nil {
		return err
	}

	checker := health.NewChecker().
		Add("postgres", db.PingContext).
		Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	api, err := httpapi.New(svc, codec, revocations, checker, httpapi.Options{
		Version:      version,
		FrontendURL:  cfg.FrontendURL,
		CookieSecure: cfg.CookieSecure,
		RefreshTTL:   cfg.Tokens.RefreshTTL,
		RateBurst:    cfg.AuthRateBurst,
		RatePerSec:   cfg.AuthRatePerSec,

		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting gatehouse-api", "version", version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.GRPCHealthAddr != "" {
		hs := health.NewServer(checker, "gatehouse.api")
		g.Go(func() error {
			hs.Watch(gctx, 5*time.Second)
			return nil
		})
		g.Go(func() error {
			return health.Serve(gctx, cfg.GRPCHealthAddr, hs)
		})
	}
	return g.Wait()
}
