package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/broker/kis"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/configs"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/engine"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/feed"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/notify"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/obs"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/reconcile"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/storage/postgres"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/strategy"
)

var (
	flagconf string

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.json", "config path, eg: -conf config.json")
}

func main() {
	flag.Parse()

	cfg, err := configs.Load(flagconf)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewPostgresStorage(cfg.Database.ConnStr)
	if err != nil {
		log.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	book := strategy.NewBook()
	stocks, err := store.LoadStocks(ctx)
	if err != nil {
		log.Error("loading stocks failed", "err", err)
		os.Exit(1)
	}
	for _, s := range stocks {
		book.Add(s)
	}
	obs.SetTrackedSymbols(book.Len())
	log.Info("ledger loaded", "stocks", book.Len())

	notifier := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	if !cfg.ValidateBroker() {
		// No trading credentials: keep the ledger visible and the
		// heartbeat alive, place no orders.
		log.Warn("broker credentials missing, running monitoring-only")
		runMonitoring(ctx, store)
		return
	}

	client, err := kis.NewClient(kis.Options{
		BaseURL:   cfg.Broker.BaseURL,
		AppKey:    cfg.Broker.AppKey,
		AppSecret: cfg.Broker.AppSecret,
		AccountNo: cfg.Broker.AccountNo,
		IsReal:    cfg.Broker.IsReal,
	}, log)
	if err != nil {
		log.Error("broker init failed", "err", err)
		os.Exit(1)
	}

	coordinator := engine.New(engine.Options{
		Book:         book,
		Broker:       client,
		Storage:      store,
		Notifier:     notifier,
		Logger:       log,
		MinOrderCash: cfg.Trading.MinOrderCash,
		MarketOpen:   configs.IsMarketOpen,
	})
	reconciler := reconcile.New(book, client, store, coordinator, log, cfg.Trading.ReconcileDays)
	queue := engine.NewWorkQueue(store, coordinator, reconciler, log)

	stream := feed.NewStream(cfg.Broker.WSURL, client, book.Symbols, coordinator.HandleTick, log)
	poller := feed.NewPoller(client, book.Symbols, coordinator.HandleTick, log)

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(stream.Run)
	run(poller.Run)
	run(queue.Run)
	run(coordinator.RunHeartbeat)
	run(coordinator.RunEnabledWatch)
	run(func(ctx context.Context) { coordinator.RunStatusReporter(ctx, cfg.StatusEvery()) })
	run(func(ctx context.Context) { reconciler.Run(ctx, cfg.ReconcileEvery()) })
	run(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-stream.GaveUp():
			log.Warn("stream gave up for this session, polling is the only price source")
		}
	})

	mode := "paper"
	if cfg.Broker.IsReal {
		mode = "live"
	}
	log.Info("split-bot running", "mode", mode, "stocks", book.Len())
	notifier.Startup(ctx, book.Len(), cfg.Broker.IsReal)

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "err", err)
	}
}

// runMonitoring keeps the heartbeat alive without a broker; the operator
// frontend still sees the ledger and liveness.
func runMonitoring(ctx context.Context, store *postgres.PostgresStorage) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.UpdateHeartbeat(ctx, time.Now()); err != nil {
				log.Warn("heartbeat write failed", "err", err)
			}
		}
	}
}
