package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"breakoutbot/internal/session"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

type Config struct {
	Mode       Mode
	Symbol     string
	Feed       string
	Interval   string
	QuoteAsset string

	NBreakout int
	VolM      int
	ATRPeriod int
	MinATR    decimal.Decimal
	KATR      decimal.Decimal
	RMult     decimal.Decimal

	RiskPct         decimal.Decimal
	MaxSpreadPct    decimal.Decimal
	TimeStop        time.Duration
	DailyMaxLossR   decimal.Decimal
	DailyTargetR    decimal.Decimal
	TradingStart    string
	TradingEnd      string
	TZ              string
	OrderType       string
	VWAPFlipExit    bool
	StopLimitOffset decimal.Decimal
	ExitSlippageBps decimal.Decimal
	KillSwitch      bool

	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PaperEquity decimal.Decimal

	StatePath     string
	LedgerPath    string
	DecisionsPath string
	LedgerDSN     string
	LedgerTable   string
	BacktestFile  string

	OrderTimeout      time.Duration
	OrderRetries      int
	RetryBackoff      time.Duration
	ReconcileInterval time.Duration
	StatusAddr        string
	LogLevel          string
	LogDir            string

	AlpacaBaseURL string
	APIKey        string
	APISecret     string

	Location *time.Location
	Window   session.Window
}

// Load reads configuration from, lowest precedence first: flag defaults,
// the optional --config file, the environment (a .env file fills in unset
// variables) and flags given on the command line.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	fset := flag.CommandLine
	configPath := fset.String("config", "", "optional JSON or YAML config file")
	fset.String("mode", string(ModeBacktest), "run mode: backtest, paper or live")
	fset.String("symbol", "AAPL", "trading symbol")
	fset.String("feed", "iex", "live market data feed: iex, sip or binance")
	fset.String("interval", "1m", "candle interval")
	fset.String("quote-asset", "USD", "asset equity is measured in")
	fset.Int("n-breakout", 20, "breakout lookback in candles")
	fset.Int("vol-m", 20, "volume average window in candles")
	fset.Int("atr-period", 14, "ATR period")
	fset.String("min-atr", "0", "minimum ATR for the volatility gate")
	fset.String("k-atr", "1.2", "stop distance in ATRs")
	fset.String("r-mult", "2", "take profit as a multiple of stop distance")
	fset.String("risk-pct", "0.005", "fraction of equity risked per trade")
	fset.String("max-spread-pct", "0.0005", "maximum (ask-bid)/ask for entries")
	fset.Int("time-stop-min", 20, "minutes before a stalled trade is closed, 0 disables")
	fset.String("daily-max-loss-r", "2", "daily loss limit in R, 0 disables")
	fset.String("daily-target-r", "0", "daily profit target in R, 0 disables")
	fset.String("trading-start", "09:30", "entry window start, HH:MM")
	fset.String("trading-end", "16:00", "entry window end, HH:MM")
	fset.String("tz", "America/New_York", "time zone for trading hours and day boundaries")
	fset.String("order-type", "market", "entry order type: market or limit")
	fset.Bool("vwap-flip-exit", true, "exit when close falls below VWAP")
	fset.String("stop-limit-offset", "0.0005", "stop-limit price offset below the stop")
	fset.String("exit-slippage-bps", "0", "simulated exit slippage in basis points")
	fset.Bool("kill-switch", false, "if true, never open positions")
	fset.String("step-size", "0", "lot step override, 0 uses the venue's (0.000001 in backtest)")
	fset.String("min-qty", "0", "minimum quantity override")
	fset.String("min-notional", "0", "minimum notional override")
	fset.String("paper-equity", "10000", "starting cash for backtest and paper modes")
	fset.String("state-path", "state.json", "lifecycle state file")
	fset.String("ledger-path", "trades.csv", "trade ledger CSV")
	fset.String("decisions-path", "decisions.ndjson", "decision journal")
	fset.String("ledger-dsn", "", "optional ClickHouse DSN for the trade ledger")
	fset.String("ledger-table", "trades", "ClickHouse ledger table")
	fset.String("backtest-file", "", "candle CSV for backtest mode")
	fset.Duration("order-timeout", 10*time.Second, "per-call venue timeout")
	fset.Int("order-retries", 2, "retries for venue reads")
	fset.Duration("retry-backoff", 500*time.Millisecond, "base backoff between venue read retries")
	fset.Duration("reconcile-interval", 10*time.Second, "venue reconciliation interval")
	fset.String("status-addr", ":8080", "status server address, empty disables")
	fset.String("log-level", "info", "log level: debug, info, warn, error")
	fset.String("log-dir", "logs", "directory for daily log files, empty disables")
	fset.String("alpaca-base-url", "https://paper-api.alpaca.markets", "Alpaca trading API base URL")
	if err := fset.Parse(os.Args[1:]); err != nil {
		return Config{}, err
	}

	v, err := layer(fset, *configPath)
	if err != nil {
		return Config{}, err
	}
	cfg, err := fromViper(v)
	if err != nil {
		return cfg, err
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// layer stacks flag defaults, the config file, the environment and
// explicitly set flags into one viper instance keyed by flag name.
func layer(fset *flag.FlagSet, configPath string) (*viper.Viper, error) {
	v := viper.New()
	fset.VisitAll(func(f *flag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api-key", "APCA_API_KEY_ID")
	_ = v.BindEnv("api-secret", "APCA_API_SECRET_KEY")
	fset.Visit(func(f *flag.Flag) {
		v.Set(f.Name, f.Value.String())
	})
	return v, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Mode:              Mode(strings.ToLower(v.GetString("mode"))),
		Symbol:            strings.ToUpper(v.GetString("symbol")),
		Feed:              strings.ToLower(v.GetString("feed")),
		Interval:          v.GetString("interval"),
		QuoteAsset:        v.GetString("quote-asset"),
		NBreakout:         v.GetInt("n-breakout"),
		VolM:              v.GetInt("vol-m"),
		ATRPeriod:         v.GetInt("atr-period"),
		TimeStop:          time.Duration(v.GetInt("time-stop-min")) * time.Minute,
		TradingStart:      v.GetString("trading-start"),
		TradingEnd:        v.GetString("trading-end"),
		TZ:                v.GetString("tz"),
		OrderType:         strings.ToLower(v.GetString("order-type")),
		VWAPFlipExit:      v.GetBool("vwap-flip-exit"),
		KillSwitch:        v.GetBool("kill-switch"),
		StatePath:         v.GetString("state-path"),
		LedgerPath:        v.GetString("ledger-path"),
		DecisionsPath:     v.GetString("decisions-path"),
		LedgerDSN:         v.GetString("ledger-dsn"),
		LedgerTable:       v.GetString("ledger-table"),
		BacktestFile:      v.GetString("backtest-file"),
		OrderTimeout:      v.GetDuration("order-timeout"),
		OrderRetries:      v.GetInt("order-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		ReconcileInterval: v.GetDuration("reconcile-interval"),
		StatusAddr:        v.GetString("status-addr"),
		LogLevel:          v.GetString("log-level"),
		LogDir:            v.GetString("log-dir"),
		AlpacaBaseURL:     v.GetString("alpaca-base-url"),
		APIKey:            v.GetString("api-key"),
		APISecret:         v.GetString("api-secret"),
	}

	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"min-atr", &cfg.MinATR},
		{"k-atr", &cfg.KATR},
		{"r-mult", &cfg.RMult},
		{"risk-pct", &cfg.RiskPct},
		{"max-spread-pct", &cfg.MaxSpreadPct},
		{"daily-max-loss-r", &cfg.DailyMaxLossR},
		{"daily-target-r", &cfg.DailyTargetR},
		{"stop-limit-offset", &cfg.StopLimitOffset},
		{"exit-slippage-bps", &cfg.ExitSlippageBps},
		{"step-size", &cfg.StepSize},
		{"min-qty", &cfg.MinQty},
		{"min-notional", &cfg.MinNotional},
		{"paper-equity", &cfg.PaperEquity},
	}
	for _, d := range decimals {
		value, err := decimal.NewFromString(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return cfg, fmt.Errorf("%s: invalid decimal %q", d.key, v.GetString(d.key))
		}
		*d.dst = value
	}
	return cfg, nil
}

// validate checks ranges and resolves the time zone and trading window.
func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeBacktest:
		if cfg.BacktestFile == "" {
			return fmt.Errorf("backtest-file is required in backtest mode")
		}
	case ModePaper, ModeLive:
		if cfg.Feed != "binance" && (cfg.APIKey == "" || cfg.APISecret == "") {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required for the %s feed", cfg.Feed)
		}
		if cfg.Mode == ModeLive && (cfg.APIKey == "" || cfg.APISecret == "") {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in live mode")
		}
	default:
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	switch cfg.Feed {
	case "iex", "sip", "binance":
	default:
		return fmt.Errorf("invalid feed: %s", cfg.Feed)
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if cfg.NBreakout < 1 {
		return fmt.Errorf("n-breakout must be >= 1")
	}
	if cfg.VolM < 1 {
		return fmt.Errorf("vol-m must be >= 1")
	}
	if cfg.ATRPeriod < 1 {
		return fmt.Errorf("atr-period must be >= 1")
	}
	if !cfg.KATR.IsPositive() {
		return fmt.Errorf("k-atr must be > 0")
	}
	if !cfg.RMult.IsPositive() {
		return fmt.Errorf("r-mult must be > 0")
	}
	if !cfg.RiskPct.IsPositive() || cfg.RiskPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("risk-pct must be in (0, 1]")
	}
	if cfg.MaxSpreadPct.IsNegative() {
		return fmt.Errorf("max-spread-pct must be >= 0")
	}
	if cfg.TimeStop < 0 {
		return fmt.Errorf("time-stop-min must be >= 0")
	}
	if cfg.DailyMaxLossR.IsNegative() || cfg.DailyTargetR.IsNegative() {
		return fmt.Errorf("daily limits must be >= 0")
	}
	if cfg.OrderType != "market" && cfg.OrderType != "limit" {
		return fmt.Errorf("invalid order-type: %s", cfg.OrderType)
	}
	if cfg.ExitSlippageBps.IsNegative() {
		return fmt.Errorf("exit-slippage-bps must be >= 0")
	}
	if !cfg.PaperEquity.IsPositive() {
		return fmt.Errorf("paper-equity must be > 0")
	}
	if cfg.OrderTimeout <= 0 {
		return fmt.Errorf("order-timeout must be > 0")
	}
	if cfg.OrderRetries < 0 {
		return fmt.Errorf("order-retries must be >= 0")
	}
	if cfg.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile-interval must be > 0")
	}
	if _, ok := klineIntervals[cfg.Interval]; !ok {
		return fmt.Errorf("invalid interval: %s", cfg.Interval)
	}
	if cfg.Mode == ModeBacktest && !cfg.StepSize.IsPositive() {
		cfg.StepSize = defaultBacktestStepSize
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return fmt.Errorf("invalid tz %q: %w", cfg.TZ, err)
	}
	cfg.Location = loc
	window, err := session.ParseWindow(cfg.TradingStart, cfg.TradingEnd)
	if err != nil {
		return fmt.Errorf("trading hours: %w", err)
	}
	cfg.Window = window
	return nil
}

// klineIntervals are the candle intervals the kline stream accepts.
var klineIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// Backtests have no venue to supply a lot step.
var defaultBacktestStepSize = decimal.RequireFromString("0.000001")

// IntervalDuration is the candle interval ("1m", "1d", "1w") as a duration.
func (c Config) IntervalDuration() time.Duration {
	return klineIntervals[c.Interval]
}
