package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Kite     Kite     `mapstructure:"kite"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Kite holds the configuration for the Kite Connect API.
type Kite struct {
	ApiKey         string  `mapstructure:"api_key"`
	ApiSecret      string  `mapstructure:"api_secret"`
	AccessToken    string  `mapstructure:"access_token"`
	BaseURL        string  `mapstructure:"base_url"`
	WsURL          string  `mapstructure:"ws_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the status HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the straddle strategy.
type Trading struct {
	Underlying           string  `mapstructure:"underlying"`
	Exchange             string  `mapstructure:"exchange"`
	IndexExchange        string  `mapstructure:"index_exchange"`
	IndexSymbol          string  `mapstructure:"index_symbol"`
	Quantity             int     `mapstructure:"quantity"`
	ProfitTarget         float64 `mapstructure:"profit_target"`
	StopLoss             float64 `mapstructure:"stop_loss"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	StrikeInterval       int     `mapstructure:"strike_interval"`
	EntryIntervalSeconds int     `mapstructure:"entry_interval_seconds"`
	ReconcileSeconds     int     `mapstructure:"reconcile_seconds"`
	WindowStart          string  `mapstructure:"window_start"` // "09:15"
	WindowEnd            string  `mapstructure:"window_end"`   // "15:30"
	PaperEnabled         bool    `mapstructure:"paper_enabled"`
	StrategyTag          string  `mapstructure:"strategy_tag"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EntryInterval returns the cadence of the entry cycle.
func (t *Trading) EntryInterval() time.Duration {
	return time.Duration(t.EntryIntervalSeconds) * time.Second
}

// ReconcileInterval returns the cadence of the order reconciliation cycle.
func (t *Trading) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileSeconds) * time.Second
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("kite.base_url", "https://api.kite.trade")
	viper.SetDefault("kite.ws_url", "wss://ws.kite.trade")
	viper.SetDefault("kite.rate_limit", 3) // requests per second
	viper.SetDefault("kite.rate_limit_burst", 3)
	viper.SetDefault("trading.underlying", "BANKNIFTY")
	viper.SetDefault("trading.exchange", "NFO")
	viper.SetDefault("trading.index_exchange", "NSE")
	viper.SetDefault("trading.index_symbol", "NIFTY BANK")
	viper.SetDefault("trading.quantity", 35)
	viper.SetDefault("trading.strike_interval", 100)
	viper.SetDefault("trading.entry_interval_seconds", 300)
	viper.SetDefault("trading.reconcile_seconds", 60)
	viper.SetDefault("trading.window_start", "09:15")
	viper.SetDefault("trading.window_end", "15:30")
	viper.SetDefault("trading.strategy_tag", "STRADDLE")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
