package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Binance
	BinanceTestnet       bool
	BinanceAPIKey        string
	BinanceAPISecret     string
	BinanceSymbols       []string
	UseMockFeed          bool
	EnableBinanceTrading bool
	// Binance Futures (USDT)
	EnableBinanceUSDTFutures bool
	BinanceUSDTKey           string
	BinanceUSDTSecret        string
	// Binance Futures (Coin-M)
	EnableBinanceCoinFutures bool
	BinanceCoinKey           string
	BinanceCoinSecret        string

	// Python worker
	EnablePythonWorker bool
	PythonWorkerAddr   string

	// Execution
	DryRun bool

	// Dry-run simulation
	DryRunInitialBalance float64
	DryRunDBPath         string
	DryRunEnableOrderWAL bool
	DryRunOrderWALPath   string
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	DryRunSlippageBps    float64 // slippage applied on fills (bps)
	DryRunGwLatencyMinMs int     // simulated gateway latency lower bound
	DryRunGwLatencyMaxMs int     // simulated gateway latency upper bound

	// Order persistence
	EnableOrderWAL bool
	OrderWALPath   string

	// Database
	DBPath string

	// Execution toggle and balance source
	ExecutionEnabled bool
	BalanceSource    string // "auto" (default), "exchange", "fixed"

	// Auth / licensing
	JWTSecret     string
	LicenseServer string

	// Localization
	Language string // "en" or "zh"

	// Ring buffer (feed<->brain shared-memory channel)
	RingBufferDir string

	// Confidence thresholds (collapsed to one configured pair, replacing the
	// multiple hardcoded duplicates of the original design)
	ConfidenceThreshold           float64
	ConfidenceThresholdPermissive float64
	WarmupMinutes                 int

	// Indicator parameters
	RSIOversold   float64
	RSIOverbought float64
	EMAFastPeriod int
	EMASlowPeriod int

	// Risk
	MaxTradeRiskFraction float64
	RiskKillThreshold    float64
	MinRiskReward        float64
	MaxRiskReward        float64

	// WebSocket sharding: how many symbols each stream connection carries.
	WSShardSize int

	// Position monitor
	PositionMonitorTickInterval int // milliseconds

	// Persistence
	ExperienceBufferDir string
	TradeRecordDir      string
	PersistenceRotateMB int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:                     getEnv("PORT", "8080"),
		BinanceTestnet:           getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:            os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:         os.Getenv("BINANCE_API_SECRET"),
		BinanceSymbols:           splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:              getEnv("USE_MOCK_FEED", "true") == "true",
		EnableBinanceTrading:     getEnv("ENABLE_BINANCE_TRADING", "false") == "true",
		EnableBinanceUSDTFutures: getEnv("ENABLE_BINANCE_USDT_FUTURES", "false") == "true",
		BinanceUSDTKey:           os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:        os.Getenv("BINANCE_USDT_SECRET"),
		EnableBinanceCoinFutures: getEnv("ENABLE_BINANCE_COIN_FUTURES", "false") == "true",
		BinanceCoinKey:           os.Getenv("BINANCE_COIN_KEY"),
		BinanceCoinSecret:        os.Getenv("BINANCE_COIN_SECRET"),
		EnablePythonWorker:       getEnv("ENABLE_PYTHON_WORKER", "false") == "true",
		PythonWorkerAddr:         getEnv("PYTHON_WORKER_ADDR", "localhost:50051"),
		DryRun:                   getEnv("DRY_RUN", "false") == "true",
		DryRunInitialBalance:     getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunDBPath:             getEnv("DRY_RUN_DB_PATH", "./trading_dry.db"),
		DryRunEnableOrderWAL:     getEnv("DRY_RUN_ENABLE_ORDER_WAL", "false") == "true",
		DryRunOrderWALPath:       getEnv("DRY_RUN_ORDER_WAL_PATH", "./data/order_wal_dry"),
		DryRunFeeRate:            getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DryRunSlippageBps:        getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DryRunGwLatencyMinMs:     getEnvInt("DRY_RUN_GATEWAY_LATENCY_MIN_MS", 0),
		DryRunGwLatencyMaxMs:     getEnvInt("DRY_RUN_GATEWAY_LATENCY_MAX_MS", 0),
		EnableOrderWAL:           getEnv("ENABLE_ORDER_WAL", "true") == "true",
		OrderWALPath:             getEnv("ORDER_WAL_PATH", "./data/order_wal"),
		DBPath:                   dbPath,
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret"),
		LicenseServer:            getEnv("LICENSE_SERVER", ""),
		Language:                 getEnv("LANGUAGE", "en"),
		ExecutionEnabled:         getEnv("EXECUTION_ENABLED", "true") == "true",
		BalanceSource:            strings.ToLower(getEnv("BALANCE_SOURCE", "auto")),

		RingBufferDir: getEnv("RING_BUFFER_DIR", "./data/ringbuf"),

		ConfidenceThreshold:           getEnvFloat("CONFIDENCE_THRESHOLD", 0.60),
		ConfidenceThresholdPermissive: getEnvFloat("CONFIDENCE_THRESHOLD_PERMISSIVE", 0.30),
		WarmupMinutes:                 getEnvInt("WARMUP_MINUTES", 5),

		RSIOversold:   getEnvFloat("RSI_OVERSOLD", 30),
		RSIOverbought: getEnvFloat("RSI_OVERBOUGHT", 70),
		EMAFastPeriod: getEnvInt("EMA_FAST_PERIOD", 20),
		EMASlowPeriod: getEnvInt("EMA_SLOW_PERIOD", 50),

		MaxTradeRiskFraction: getEnvFloat("MAX_TRADE_RISK_FRACTION", 0.02),
		RiskKillThreshold:    getEnvFloat("RISK_KILL_THRESHOLD", 0.99),
		MinRiskReward:        getEnvFloat("MIN_RISK_REWARD", 1.5),
		MaxRiskReward:        getEnvFloat("MAX_RISK_REWARD", 4.0),

		WSShardSize: getEnvInt("WS_SHARD_SIZE", 10),

		PositionMonitorTickInterval: getEnvInt("POSITION_MONITOR_TICK_INTERVAL_MS", 1000),

		ExperienceBufferDir: getEnv("EXPERIENCE_BUFFER_DIR", "./data/experience"),
		TradeRecordDir:      getEnv("TRADE_RECORD_DIR", "./data/trades"),
		PersistenceRotateMB: getEnvInt("PERSISTENCE_ROTATE_MB", 50),
	}, nil
}

// Validate reports every configuration error found, rather than failing on
// the first one, so a misconfigured deployment sees the whole list at
// startup instead of fixing them one at a time across restarts.
func (c *Config) Validate() error {
	var errs []string

	if len(c.BinanceSymbols) == 0 {
		errs = append(errs, "BINANCE_SYMBOLS must list at least one symbol")
	}
	if !c.UseMockFeed && !c.DryRun {
		if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
			errs = append(errs, "BINANCE_API_KEY/BINANCE_API_SECRET are required when not using the mock feed or dry-run mode")
		}
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, "CONFIDENCE_THRESHOLD must be in (0,1]")
	}
	if c.ConfidenceThresholdPermissive <= 0 || c.ConfidenceThresholdPermissive > c.ConfidenceThreshold {
		errs = append(errs, "CONFIDENCE_THRESHOLD_PERMISSIVE must be in (0, CONFIDENCE_THRESHOLD]")
	}
	if c.MaxTradeRiskFraction <= 0 || c.MaxTradeRiskFraction > 1 {
		errs = append(errs, "MAX_TRADE_RISK_FRACTION must be in (0,1]")
	}
	if c.RiskKillThreshold <= 0 || c.RiskKillThreshold > 1 {
		errs = append(errs, "RISK_KILL_THRESHOLD must be in (0,1]")
	}
	if c.DryRunInitialBalance <= 0 {
		errs = append(errs, "DRY_RUN_INITIAL_BALANCE must be positive")
	}
	if c.RingBufferDir == "" {
		errs = append(errs, "RING_BUFFER_DIR must not be empty")
	}
	if c.PositionMonitorTickInterval <= 0 {
		errs = append(errs, "POSITION_MONITOR_TICK_INTERVAL_MS must be positive")
	}
	if c.BalanceSource != "auto" && c.BalanceSource != "exchange" && c.BalanceSource != "fixed" {
		errs = append(errs, `BALANCE_SOURCE must be one of "auto", "exchange", "fixed"`)
	}
	if c.RSIOversold <= 0 || c.RSIOverbought >= 100 || c.RSIOversold >= c.RSIOverbought {
		errs = append(errs, "RSI_OVERSOLD/RSI_OVERBOUGHT must satisfy 0 < oversold < overbought < 100")
	}
	if c.EMAFastPeriod <= 0 || c.EMASlowPeriod <= 0 || c.EMAFastPeriod >= c.EMASlowPeriod {
		errs = append(errs, "EMA_FAST_PERIOD/EMA_SLOW_PERIOD must be positive with fast < slow")
	}
	if c.MinRiskReward <= 0 || c.MinRiskReward >= c.MaxRiskReward {
		errs = append(errs, "MIN_RISK_REWARD/MAX_RISK_REWARD must be positive with min < max")
	}
	if c.WSShardSize <= 0 || c.WSShardSize > maxSymbolsPerShard {
		errs = append(errs, fmt.Sprintf("WS_SHARD_SIZE must be in [1,%d]", maxSymbolsPerShard))
	}
	if c.WarmupMinutes <= 0 {
		errs = append(errs, "WARMUP_MINUTES must be positive")
	}
	for _, dir := range []string{c.RingBufferDir, c.ExperienceBufferDir, c.TradeRecordDir} {
		if dir == "" {
			continue
		}
		if err := ensureWritableDir(dir); err != nil {
			errs = append(errs, fmt.Sprintf("path %s is not writable: %v", dir, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %d error(s):\n- %s", len(errs), strings.Join(errs, "\n- "))
}

// maxSymbolsPerShard is Binance's cap on streams multiplexed over one
// websocket connection.
const maxSymbolsPerShard = 1024

// ensureWritableDir verifies dir exists (creating it if needed) and accepts
// a test file, the startup-time form of "all file paths writable".
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".writable")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
