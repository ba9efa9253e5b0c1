package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Mode:              ModeBacktest,
		Symbol:            "AAPL",
		Feed:              "iex",
		Interval:          "1m",
		BacktestFile:      "candles.csv",
		NBreakout:         20,
		VolM:              20,
		ATRPeriod:         14,
		KATR:              decimal.RequireFromString("1.2"),
		RMult:             decimal.NewFromInt(2),
		RiskPct:           decimal.RequireFromString("0.005"),
		MaxSpreadPct:      decimal.RequireFromString("0.0005"),
		TimeStop:          20 * time.Minute,
		DailyMaxLossR:     decimal.NewFromInt(2),
		TradingStart:      "09:30",
		TradingEnd:        "16:00",
		TZ:                "America/New_York",
		OrderType:         "market",
		PaperEquity:       decimal.NewFromInt(10000),
		OrderTimeout:      10 * time.Second,
		ReconcileInterval: 10 * time.Second,
	}
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":        func(c *Config) { c.Mode = "stream" },
		"backtest":    func(c *Config) { c.BacktestFile = "" },
		"risk":        func(c *Config) { c.RiskPct = decimal.Zero },
		"risk > 1":    func(c *Config) { c.RiskPct = decimal.NewFromInt(2) },
		"n-breakout":  func(c *Config) { c.NBreakout = 0 },
		"order type":  func(c *Config) { c.OrderType = "stop" },
		"tz":          func(c *Config) { c.TZ = "Mars/Olympus" },
		"window":      func(c *Config) { c.TradingStart = "25:00" },
		"interval":    func(c *Config) { c.Interval = "soon" },
		"90s":         func(c *Config) { c.Interval = "90s" },
		"credentials": func(c *Config) { c.Mode = ModeLive },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := validate(&cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateConfigAcceptsValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(&cfg); err != nil {
		t.Fatalf("expected config to be valid, got %v", err)
	}
	require.NotNil(t, cfg.Location)
	assert.Equal(t, "America/New_York", cfg.Location.String())
	assert.Equal(t, 9*60+30, cfg.Window.Start)
	assert.Equal(t, time.Minute, cfg.IntervalDuration())
}

func TestIntervalDurationCoversKlineIntervals(t *testing.T) {
	cases := map[string]time.Duration{
		"5m":  5 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"3d":  72 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"12h": 12 * time.Hour,
	}
	for interval, want := range cases {
		cfg := validConfig()
		cfg.Interval = interval
		require.NoError(t, validate(&cfg), interval)
		assert.Equal(t, want, cfg.IntervalDuration(), interval)
	}
}

func TestValidateDefaultsBacktestStepSize(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, validate(&cfg))
	if !cfg.StepSize.Equal(decimal.RequireFromString("0.000001")) {
		t.Fatalf("expected backtest step size 0.000001, got %s", cfg.StepSize)
	}

	cfg = validConfig()
	cfg.StepSize = decimal.RequireFromString("0.01")
	require.NoError(t, validate(&cfg))
	assert.True(t, cfg.StepSize.Equal(decimal.RequireFromString("0.01")))

	cfg = validConfig()
	cfg.Mode = ModePaper
	cfg.Feed = "binance"
	require.NoError(t, validate(&cfg))
	assert.True(t, cfg.StepSize.IsZero(), "paper mode keeps the venue's lot step")
}

func TestValidatePaperModeWithBinanceNeedsNoCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModePaper
	cfg.Feed = "binance"
	cfg.Symbol = "BTCUSDT"
	if err := validate(&cfg); err != nil {
		t.Fatalf("expected binance paper config to be valid, got %v", err)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContents := `mode: backtest
backtest-file: from-file.csv
n-breakout: 30
risk-pct: 0.01
k-atr: 1.5
vwap-flip-exit: false
`
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RISK_PCT", "0.02")
	t.Setenv("K_ATR", "1.8")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("TZ", "")

	resetFlags := resetFlagSet(t)
	defer resetFlags()

	os.Args = []string{
		"cmd",
		"--config", configPath,
		"--k-atr", "2.5",
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.NBreakout != 30 {
		t.Fatalf("expected n-breakout from file, got %d", cfg.NBreakout)
	}
	if cfg.BacktestFile != "from-file.csv" {
		t.Fatalf("expected backtest file from file, got %q", cfg.BacktestFile)
	}
	if !cfg.RiskPct.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("expected risk-pct from env, got %s", cfg.RiskPct)
	}
	if !cfg.KATR.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected k-atr from CLI, got %s", cfg.KATR)
	}
	if cfg.VWAPFlipExit {
		t.Fatalf("expected vwap-flip-exit disabled by file")
	}
	if cfg.APIKey != "env-key" {
		t.Fatalf("expected API key from env, got %q", cfg.APIKey)
	}
	if cfg.ATRPeriod != 14 {
		t.Fatalf("expected default atr-period, got %d", cfg.ATRPeriod)
	}
}

func TestLoadRejectsBadDecimal(t *testing.T) {
	t.Setenv("RISK_PCT", "half")
	t.Setenv("TZ", "")
	resetFlags := resetFlagSet(t)
	defer resetFlags()
	os.Args = []string{"cmd", "--backtest-file", "x.csv"}

	if _, err := Load(); err == nil {
		t.Fatalf("expected decimal parse error")
	}
}

func resetFlagSet(t *testing.T) func() {
	t.Helper()
	originalArgs := os.Args
	originalCommandLine := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	return func() {
		flag.CommandLine = originalCommandLine
		os.Args = originalArgs
	}
}
