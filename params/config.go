package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Instrument describes a simulated market seeded at startup
type Instrument struct {
	Symbol        string
	BasePrice     float64
	PriceDecimals int32
}

type Trading struct {
	Asset string // settlement asset for stakes and payouts (e.g. "USDT")

	// Stake bounds in minor units (cents)
	MinStake int64
	MaxStake int64

	// PayoutBps is the win payout rate in basis points (8000 = 0.8 × stake)
	PayoutBps int64

	MinExpiry time.Duration
	MaxExpiry time.Duration

	// BalanceTolerance is the relative tolerance between the client-claimed
	// balance and the ledger's available balance (0.001 = 0.1%)
	BalanceTolerance float64
	// PriceHintTolerance only produces a warning; the server price is always used
	PriceHintTolerance float64

	// RefundOnDelete reverses the stake debit when an operator deletes an ACTIVE order
	RefundOnDelete bool
	// VoidOnBlock voids (refunds) ACTIVE orders when an account is blocked.
	// When false, blocking only affects new admissions.
	VoidOnBlock bool

	SweepInterval     time.Duration
	SettleWorkers     int
	SettleMaxAttempts int
	SettleRetryBase   time.Duration
}

type Market struct {
	Instruments    []Instrument
	MinInterval    time.Duration // tick interval is drawn uniformly from [MinInterval, MaxInterval]
	MaxInterval    time.Duration
	SpreadFraction float64
	Volatility     float64 // per-tick gaussian scale
	MaxStep        float64 // hard clamp on |noise| per tick
	Seed           int64   // 0 = time-based
}

type Storage struct {
	Path     string
	InMemory bool
}

type API struct {
	Addr           string
	AllowedOrigins []string
	Tokens         map[string]string // bearer token → account ID
	AdminToken     string

	// EIP-712 wallet sessions, accepted alongside static tokens
	WalletAuth          bool
	WalletChainID       int64
	WalletSessionMaxAge time.Duration
}

type Telegram struct {
	Enabled    bool
	BotToken   string
	ChatID     string
	MaxRetries int
}

type Log struct {
	File    string
	Verbose bool
}

type Config struct {
	Trading  Trading
	Market   Market
	Storage  Storage
	API      API
	Telegram Telegram
	Log      Log
}

func Default() Config {
	return Config{
		Trading: Trading{
			Asset:              "USDT",
			MinStake:           100,       // $1.00
			MaxStake:           1_000_000, // $10,000.00
			PayoutBps:          8000,
			MinExpiry:          5 * time.Second,
			MaxExpiry:          24 * time.Hour,
			BalanceTolerance:   0.001,
			PriceHintTolerance: 0.01,
			RefundOnDelete:     true,
			VoidOnBlock:        false,
			SweepInterval:      5 * time.Second,
			SettleWorkers:      16,
			SettleMaxAttempts:  5,
			SettleRetryBase:    200 * time.Millisecond,
		},
		Market: Market{
			Instruments: []Instrument{
				{Symbol: "BTC-USDT", BasePrice: 65000, PriceDecimals: 2},
				{Symbol: "ETH-USDT", BasePrice: 3200, PriceDecimals: 2},
			},
			MinInterval:    700 * time.Millisecond,
			MaxInterval:    1200 * time.Millisecond,
			SpreadFraction: 0.0002,
			Volatility:     0.0006,
			MaxStep:        0.005,
		},
		Storage: Storage{
			Path: "data/venue.db",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			Tokens:         map[string]string{},

			WalletAuth:          false,
			WalletChainID:       1337,
			WalletSessionMaxAge: 24 * time.Hour,
		},
		Telegram: Telegram{
			MaxRetries: 3,
		},
		Log: Log{
			File: "data/venue.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	// ---- Trading ----
	cfg.Trading.Asset = getEnv("TRADING_ASSET", cfg.Trading.Asset)
	cfg.Trading.MinStake = getInt64("TRADING_MIN_STAKE_CENTS", cfg.Trading.MinStake)
	cfg.Trading.MaxStake = getInt64("TRADING_MAX_STAKE_CENTS", cfg.Trading.MaxStake)
	cfg.Trading.PayoutBps = getInt64("TRADING_PAYOUT_BPS", cfg.Trading.PayoutBps)
	cfg.Trading.MinExpiry = getMillis("TRADING_MIN_EXPIRY_MS", cfg.Trading.MinExpiry)
	cfg.Trading.MaxExpiry = getMillis("TRADING_MAX_EXPIRY_MS", cfg.Trading.MaxExpiry)
	cfg.Trading.BalanceTolerance = getFloat("TRADING_BALANCE_TOLERANCE", cfg.Trading.BalanceTolerance)
	cfg.Trading.PriceHintTolerance = getFloat("TRADING_PRICE_HINT_TOLERANCE", cfg.Trading.PriceHintTolerance)
	cfg.Trading.RefundOnDelete = getBool("TRADING_REFUND_ON_DELETE", cfg.Trading.RefundOnDelete)
	cfg.Trading.VoidOnBlock = getBool("TRADING_VOID_ON_BLOCK", cfg.Trading.VoidOnBlock)
	cfg.Trading.SweepInterval = getMillis("SETTLE_SWEEP_INTERVAL_MS", cfg.Trading.SweepInterval)
	cfg.Trading.SettleWorkers = int(getInt64("SETTLE_WORKERS", int64(cfg.Trading.SettleWorkers)))
	cfg.Trading.SettleMaxAttempts = int(getInt64("SETTLE_MAX_ATTEMPTS", int64(cfg.Trading.SettleMaxAttempts)))
	cfg.Trading.SettleRetryBase = getMillis("SETTLE_RETRY_BASE_MS", cfg.Trading.SettleRetryBase)

	// ---- Market ----
	// Example: "BTC-USDT:65000:2,ETH-USDT:3200:2"
	if v := os.Getenv("MARKET_INSTRUMENTS"); v != "" {
		if insts := parseInstruments(v); len(insts) > 0 {
			cfg.Market.Instruments = insts
		}
	}
	cfg.Market.MinInterval = getMillis("MARKET_MIN_INTERVAL_MS", cfg.Market.MinInterval)
	cfg.Market.MaxInterval = getMillis("MARKET_MAX_INTERVAL_MS", cfg.Market.MaxInterval)
	cfg.Market.SpreadFraction = getFloat("MARKET_SPREAD_FRACTION", cfg.Market.SpreadFraction)
	cfg.Market.Volatility = getFloat("MARKET_VOLATILITY", cfg.Market.Volatility)
	cfg.Market.MaxStep = getFloat("MARKET_MAX_STEP", cfg.Market.MaxStep)
	cfg.Market.Seed = getInt64("MARKET_SEED", cfg.Market.Seed)

	// ---- Storage ----
	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)
	cfg.Storage.InMemory = getBool("STORAGE_IN_MEMORY", cfg.Storage.InMemory)

	// ---- API ----
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}
	// Example: "tok-alice:alice,tok-bob:bob"
	if v := os.Getenv("API_TOKENS"); v != "" {
		for _, pair := range splitList(v) {
			tok, acct, ok := strings.Cut(pair, ":")
			// ':' is the storage key separator and never part of an account ID
			if ok && tok != "" && acct != "" && !strings.Contains(acct, ":") {
				cfg.API.Tokens[tok] = acct
			}
		}
	}
	cfg.API.AdminToken = getEnv("API_ADMIN_TOKEN", cfg.API.AdminToken)
	cfg.API.WalletAuth = getBool("API_WALLET_AUTH", cfg.API.WalletAuth)
	cfg.API.WalletChainID = getInt64("API_WALLET_CHAIN_ID", cfg.API.WalletChainID)
	cfg.API.WalletSessionMaxAge = getMillis("API_WALLET_SESSION_MAX_AGE_MS", cfg.API.WalletSessionMaxAge)

	// ---- Telegram ----
	cfg.Telegram.Enabled = getBool("TELEGRAM_ENABLED", cfg.Telegram.Enabled)
	cfg.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)
	cfg.Telegram.MaxRetries = int(getInt64("TELEGRAM_MAX_RETRIES", int64(cfg.Telegram.MaxRetries)))

	// ---- Log ----
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Verbose = getBool("VERBOSE", cfg.Log.Verbose)

	return cfg
}

func parseInstruments(v string) []Instrument {
	var out []Instrument
	for _, item := range splitList(v) {
		parts := strings.Split(item, ":")
		if len(parts) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || price <= 0 {
			continue
		}
		decimals := int32(2)
		if len(parts) >= 3 {
			if d, err := strconv.Atoi(parts[2]); err == nil && d >= 0 {
				decimals = int32(d)
			}
		}
		out = append(out, Instrument{Symbol: parts[0], BasePrice: price, PriceDecimals: decimals})
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
