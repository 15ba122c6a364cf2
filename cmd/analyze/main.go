// Command analyze scores symbols for scale-in suitability from daily chart
// history and prints a ranked JSON report. Read-only: it never touches the
// ledger or places orders.
//
// Usage:
//
//	analyze -conf configs/config.json 005930 000660
//	analyze -conf configs/config.json            (all tracked symbols)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/analyzer"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/broker/kis"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/configs"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/storage/postgres"
)

var (
	flagconf string
	flagdays int

	log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.json", "config path")
	flag.IntVar(&flagdays, "days", 365, "analysis window in days")
}

func main() {
	flag.Parse()

	cfg, err := configs.Load(flagconf)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if !cfg.ValidateBroker() {
		log.Error("analysis needs broker credentials for chart data")
		os.Exit(1)
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

	var commenter analyzer.Commenter
	if cfg.Analyzer.APIKey != "" {
		commenter = analyzer.NewOpenAICommenter(cfg.Analyzer.APIKey, cfg.Analyzer.Model)
	}
	a := analyzer.New(client, commenter, log)

	ctx := context.Background()
	targets := targetSymbols(ctx, cfg)
	if len(targets) == 0 {
		log.Error("no symbols to analyze")
		os.Exit(1)
	}

	var results []*analyzer.Result
	for symbol, name := range targets {
		r, err := a.Analyze(ctx, symbol, name, flagdays)
		if err != nil {
			log.Warn("analysis skipped", "symbol", symbol, "err", err)
			continue
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SuitabilityScore > results[j].SuitabilityScore
	})

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		log.Error("encode failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// targetSymbols takes symbols from the command line or, absent any, every
// tracked stock from the ledger.
func targetSymbols(ctx context.Context, cfg *configs.Config) map[string]string {
	targets := make(map[string]string)
	if flag.NArg() > 0 {
		for _, symbol := range flag.Args() {
			targets[symbol] = symbol
		}
		return targets
	}

	store, err := postgres.NewPostgresStorage(cfg.Database.ConnStr)
	if err != nil {
		log.Error("storage init failed", "err", err)
		return nil
	}
	defer store.Close()

	stocks, err := store.LoadStocks(ctx)
	if err != nil {
		log.Error("loading stocks failed", "err", err)
		return nil
	}
	for _, s := range stocks {
		targets[s.Symbol] = s.Name
	}
	return targets
}
