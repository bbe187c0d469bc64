package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
)

type Config struct {
	Version string `ignored:"true"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile       string `envconfig:"LOG_FILE" default:"autopilot.log"`
	MaxLogSizeMB  int64  `envconfig:"MAX_LOG_SIZE_MB" default:"10"`
	MaxLogBackups int    `envconfig:"MAX_LOG_BACKUPS" default:"3"`

	// Ledger & persistence
	StateFile        string  `envconfig:"STATE_FILE" default:"ledger_state.json"`
	StateMaxBytes    int64   `envconfig:"STATE_MAX_BYTES" default:"5242880"`
	StartingCash     float64 `envconfig:"STARTING_CASH" default:"10000"`
	CommissionRate   float64 `envconfig:"COMMISSION_RATE" default:"0.001"`
	ClosedPersistCap int     `envconfig:"CLOSED_PERSIST_CAP" default:"50"`
	ClosedHistoryCap int     `envconfig:"CLOSED_HISTORY_CAP" default:"500"`
	EventLogCap      int     `envconfig:"EVENT_LOG_CAP" default:"200"`
	IDScheme         string  `envconfig:"ID_SCHEME" default:"ulid"`

	// Scan orchestration
	ScanInterval      time.Duration `envconfig:"SCAN_INTERVAL" default:"30s"`
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"15"`
	BatchDelay        time.Duration `envconfig:"BATCH_DELAY" default:"400ms"`
	WatchdogTimeout   time.Duration `envconfig:"WATCHDOG_TIMEOUT" default:"5m"`
	MaxSymbolsPerScan int           `envconfig:"MAX_SYMBOLS_PER_SCAN" default:"0"`
	Universe          []string      `envconfig:"UNIVERSE" default:"AAPL,MSFT,NVDA,AMZN,GOOGL,META,TSLA,AMD,NFLX,AVGO,BTC/USD,ETH/USD"`
	CandleIntervals   []string      `envconfig:"CANDLE_INTERVALS" default:"15Min,1Hour"`
	CandleCount       int           `envconfig:"CANDLE_COUNT" default:"100"`
	ScanResultCap     int           `envconfig:"SCAN_RESULT_CAP" default:"100"`
	CooldownPeriod    time.Duration `envconfig:"COOLDOWN_PERIOD" default:"60s"`
	StreamEnabled     bool          `envconfig:"STREAM_ENABLED" default:"false"`

	// Risk
	MaxPositionPct   float64 `envconfig:"MAX_POSITION_PCT" default:"10"`
	MaxOpenTrades    int     `envconfig:"MAX_OPEN_TRADES" default:"5"`
	RiskProfile      string  `envconfig:"RISK_PROFILE" default:"balanced"`
	RiskProfilesFile string  `envconfig:"RISK_PROFILES_FILE"`

	// Collaborators
	Decider          string `envconfig:"DECIDER" default:"channel"`
	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	Notifier         string `envconfig:"NOTIFIER" default:"log"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`
	JournalPath      string `envconfig:"JOURNAL_PATH"`
	HTTPAddr         string `envconfig:"HTTP_ADDR" default:":8080"`
}

var marketSecretVars = []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY"}

var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"TELEGRAM_BOT_TOKEN":  true,
	"GEMINI_API_KEY":      true,
}

// Load reads an optional .env file into the process environment and then
// decodes the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using system environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env config: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 15
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	return &cfg, nil
}

// RequireMarketCredentials checks the Alpaca keys. Only commands that talk
// to the market need them.
func (c *Config) RequireMarketCredentials() error {
	var missing []string
	for _, key := range marketSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// LogSummary prints the variables defined in the .env file, masking secrets.
func (c *Config) LogSummary() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	logger.Info("--- .env File Variables ---")
	for key, val := range envMap {
		logger.Infof("%s=%s", key, Mask(key, val))
	}
	logger.Info("---------------------------")
}

// Mask hides all but the last 4 characters of secret values.
func Mask(key, val string) string {
	if !secretVars[key] {
		return val
	}
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
