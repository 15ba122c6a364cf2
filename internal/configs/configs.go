package configs

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Broker   BrokerConfig   `json:"broker"`
	Database DatabaseConfig `json:"database"`
	Telegram TelegramConfig `json:"telegram"`
	Trading  TradingConfig  `json:"trading"`
	Analyzer AnalyzerConfig `json:"analyzer"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type BrokerConfig struct {
	BaseURL   string `json:"base_url"`
	WSURL     string `json:"ws_url"`
	AppKey    string `json:"app_key"`    // may be CryptoJS-encrypted, see Load
	AppSecret string `json:"app_secret"` // may be CryptoJS-encrypted, see Load
	AccountNo string `json:"account_no"`
	IsReal    bool   `json:"is_real"`
}

type DatabaseConfig struct {
	ConnStr string `json:"conn_str"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

type TradingConfig struct {
	// MinOrderCash is the account-level buying power floor; below it no buy
	// is attempted.
	MinOrderCash int64 `json:"min_order_cash"`

	DefaultBuyAmount int64 `json:"default_buy_amount"`

	ReconcileInterval string `json:"reconcile_interval"` // default 30m
	ReconcileDays     int    `json:"reconcile_days"`     // default 7
	StatusInterval    string `json:"status_interval"`    // default 1h
}

type AnalyzerConfig struct {
	APIKey string `json:"api_key"` // optional: enables LLM commentary
	Model  string `json:"model"`
}

type MetricsConfig struct {
	Addr string `json:"addr"` // empty disables the /metrics listener
}

// Load reads the config file, overlays .env, and decrypts broker credentials
// when an encryption passphrase is present. Credentials stored by the web
// frontend are CryptoJS-encrypted; plain values pass through untouched.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.ConnStr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
	}

	if passphrase := os.Getenv("ENCRYPTION_KEY"); passphrase != "" {
		if key, err := DecryptSecret(cfg.Broker.AppKey, passphrase); err == nil && key != "" {
			cfg.Broker.AppKey = key
		}
		if secret, err := DecryptSecret(cfg.Broker.AppSecret, passphrase); err == nil && secret != "" {
			cfg.Broker.AppSecret = secret
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trading.MinOrderCash <= 0 {
		c.Trading.MinOrderCash = 10000
	}
	if c.Trading.DefaultBuyAmount <= 0 {
		c.Trading.DefaultBuyAmount = 100000
	}
	if c.Trading.ReconcileInterval == "" {
		c.Trading.ReconcileInterval = "30m"
	}
	if c.Trading.ReconcileDays <= 0 {
		c.Trading.ReconcileDays = 7
	}
	if c.Trading.StatusInterval == "" {
		c.Trading.StatusInterval = "1h"
	}
}

// ValidateBroker reports whether trading credentials are usable. Without
// them the engine still runs in monitoring-only mode.
func (c *Config) ValidateBroker() bool {
	return c.Broker.AppKey != "" && c.Broker.AppSecret != "" && c.Broker.AccountNo != ""
}

func (c *Config) ReconcileEvery() time.Duration {
	d, err := time.ParseDuration(c.Trading.ReconcileInterval)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

func (c *Config) StatusEvery() time.Duration {
	d, err := time.ParseDuration(c.Trading.StatusInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// IsMarketOpen reports whether t falls inside the domestic trading window:
// 09:00–15:30 local, weekdays only.
func IsMarketOpen(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60 && mins <= 15*60+30
}
