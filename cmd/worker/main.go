package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"gatehouse.dev/internal/config"
	"gatehouse.dev/internal/email"
	"gatehouse.dev/internal/events"
	"gatehouse.dev/internal/health"
	"gatehouse.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address (overrides GATEHOUSE_METRICS_ADDR)")
	name := flag.String("name", "", "consumer name within the group (default worker-<uuid>)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Error("load config", "error", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, obs.ParseLevel(cfg.LogLevel)))
	obs.Init()
	obs.InitBuildInfo("gatehouse-worker", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *name); err != nil {
		obs.Logger().Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	obs.Logger().Info("stopped")
}

func run(ctx context.Context, cfg config.Config, name string) error {
	log := obs.Logger().With("module", "worker")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	renderer, err := email.NewRenderer()
	if err != nil {
		return err
	}
	var mailer email.Mailer
	if cfg.MailEnabled() {
		mailer, err = email.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return err
		}
	} else {
		log.Warn("smtp not configured, reset emails will only be logged")
		mailer = email.NewLogMailer(nil)
	}
	from := cfg.MailFrom
	if from == "" {
		from = "no-reply@localhost"
	}
	mail, err := email.NewService(renderer, mailer, from)
	if err != nil {
		return err
	}

	consumer, err := events.NewConsumer(rdb, email.Stream, email.Group, mail.Handler(),
		events.WithConsumerName(name),
		events.WithPollTimeout(cfg.Stream.PollTimeout),
		events.WithBatch(cfg.Stream.Batch),
		events.WithClaimMinIdle(cfg.Stream.ClaimMinIdle),
		events.WithMaxDeliveries(cfg.Stream.MaxDeliveries),
	)
	if err != nil {
		return err
	}

	checker := health.NewChecker().
		Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", obs.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checker.Check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming", "stream", consumer.Stream(), "group", email.Group, "consumer", consumer.Name())
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Info("metrics listening", "addr", metrics.Addr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	if cfg.GRPCHealthAddr != "" {
		hs := health.NewServer(checker, "gatehouse.worker")
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
