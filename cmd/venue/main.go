package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/api"
	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/metrics"
	"github.com/uhyunpark/hyperbinary/pkg/notify"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/storage"
	"github.com/uhyunpark/hyperbinary/pkg/trading"
	"github.com/uhyunpark/hyperbinary/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "verbose", cfg.Log.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var (
		accountStore account.Store
		ledgerStore  ledger.Store
		orders       order.Repository
		journal      storage.Journal = storage.NewNopJournal()
	)
	if cfg.Storage.InMemory {
		accountStore = account.NewMemStore()
		ledgerStore = ledger.NewMemStore()
		orders = order.NewMemRepository()
		sugar.Warn("storage_in_memory - state is lost on restart")
	} else {
		db, err := storage.NewPebbleStore(cfg.Storage.Path)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "path", cfg.Storage.Path, "err", err)
		}
		defer db.Close()
		accountStore, ledgerStore, orders = db, db, db

		journalPath := filepath.Join(filepath.Dir(cfg.Storage.Path), "journal.log")
		fj, err := storage.NewFileJournal(journalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", journalPath, "err", err)
		}
		defer fj.Close()
		journal = fj
		sugar.Infow("storage_opened", "path", cfg.Storage.Path, "journal", journalPath)
	}

	bus := events.NewBus()

	// ---- Market ----
	sim := market.NewSimulator(market.Config{
		MinInterval:    cfg.Market.MinInterval,
		MaxInterval:    cfg.Market.MaxInterval,
		SpreadFraction: cfg.Market.SpreadFraction,
		Volatility:     cfg.Market.Volatility,
		MaxStep:        cfg.Market.MaxStep,
		MoodStep:       market.DefaultConfig().MoodStep,
		DriftScale:     market.DefaultConfig().DriftScale,
		Seed:           cfg.Market.Seed,
	}, bus, sugar.Named("market"))
	for _, in := range cfg.Market.Instruments {
		base, quote, _ := strings.Cut(in.Symbol, "-")
		if err := sim.Register(market.Instrument{
			Symbol:        in.Symbol,
			BaseAsset:     base,
			QuoteAsset:    quote,
			BasePrice:     in.BasePrice,
			PriceDecimals: in.PriceDecimals,
		}); err != nil {
			sugar.Fatalw("instrument_register_failed", "symbol", in.Symbol, "err", err)
		}
	}
	sugar.Infow("market_ready", "instruments", len(cfg.Market.Instruments))
	go sim.Run(ctx)

	// ---- Operator alerts ----
	alerts := notify.NewQueue(alertSink(cfg.Telegram, sugar), 256, sugar.Named("notify"))
	go alerts.Run(ctx)

	// ---- Trading core ----
	engine := trading.NewEngine(cfg.Trading, trading.Deps{
		Market:    sim,
		Ledger:    ledger.New(ledgerStore, sugar.Named("ledger")),
		Accounts:  account.NewDirectory(accountStore, sugar.Named("account")),
		Orders:    orders,
		Publisher: bus,
		Alerts:    alerts,
		Journal:   journal,
		Log:       sugar.Named("trading"),
	})
	if err := engine.Start(ctx); err != nil {
		sugar.Fatalw("engine_start_failed", "err", err)
	}

	// ---- API Server ----
	tokens, rejected := api.NewTokenResolver(cfg.API.Tokens)
	for _, acct := range rejected {
		sugar.Warnw("api_token_rejected", "account", acct)
	}
	identity := api.Resolvers{tokens}
	if cfg.API.WalletAuth {
		identity = append(identity, api.NewWalletResolver(cfg.API.WalletChainID, cfg.API.WalletSessionMaxAge))
		sugar.Infow("wallet_auth_enabled", "chain_id", cfg.API.WalletChainID, "max_age", cfg.API.WalletSessionMaxAge)
	} else if len(cfg.API.Tokens) == 0 {
		sugar.Warn("api_no_tokens - only anonymous market data is available")
	}
	apiServer := api.NewServer(cfg.API, engine, sim, bus, identity, sugar.Named("api"))

	// ---- Metrics ----
	collector := metrics.New(bus, engine.Armed, alerts.Dropped)
	go collector.Run(ctx)
	apiServer.Mount("/metrics", collector.Handler())

	sugar.Infow("venue_starting",
		"asset", cfg.Trading.Asset,
		"payout_bps", cfg.Trading.PayoutBps,
		"min_expiry_ms", cfg.Trading.MinExpiry.Milliseconds(),
		"max_expiry_ms", cfg.Trading.MaxExpiry.Milliseconds(),
		"void_on_block", cfg.Trading.VoidOnBlock,
		"refund_on_delete", cfg.Trading.RefundOnDelete)

	if err := apiServer.Start(ctx); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		stop()
	}

	engine.Wait()
	sugar.Infow("venue_stopped", "alerts_dropped", alerts.Dropped())
}

// alertSink always logs and adds Telegram when configured
func alertSink(cfg params.Telegram, log *zap.SugaredLogger) notify.Sink {
	sinks := notify.Fanout{notify.NewLogSink(log.Named("alert"))}
	if !cfg.Enabled {
		return sinks
	}
	tg, err := notify.NewTelegramSink(cfg.BotToken, cfg.ChatID, cfg.MaxRetries, 0)
	if err != nil {
		log.Errorw("telegram_init_failed", "err", err)
		return sinks
	}
	log.Infow("telegram_alerts_enabled", "chat_id", cfg.ChatID)
	return append(sinks, tg)
}
