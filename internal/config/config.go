package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Market   Market   `mapstructure:"market"`
	Dart     Dart     `mapstructure:"dart"`
	Trading  Trading  `mapstructure:"trading"`
	Risk     Risk     `mapstructure:"risk"`
	Screener Screener `mapstructure:"screener"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Market holds the configuration for the brokerage market-data API.
type Market struct {
	BaseURL        string  `mapstructure:"base_url"`
	AppKey         string  `mapstructure:"app_key"`
	SecretKey      string  `mapstructure:"secret_key"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Dart holds the configuration for the DART financial disclosure API.
type Dart struct {
	BaseURL        string            `mapstructure:"base_url"`
	ApiKey         string            `mapstructure:"api_key"`
	RateLimit      float64           `mapstructure:"rate_limit"`
	RateLimitBurst int               `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	CorpCodes      map[string]string `mapstructure:"corp_codes"`
}

// Trading holds the configuration for the turtle trading rules.
type Trading struct {
	AccountID      string   `mapstructure:"account_id"`
	Symbols        []string `mapstructure:"symbols"`
	InitialCash    float64  `mapstructure:"initial_cash"`
	EntryWindow    int      `mapstructure:"entry_window"`
	ExitWindow     int      `mapstructure:"exit_window"`
	ATRPeriod      int      `mapstructure:"atr_period"`
	StopMultiplier float64  `mapstructure:"stop_multiplier"`
	MaxUnits       int      `mapstructure:"max_units"`
	TickInterval   int      `mapstructure:"tick_interval"`
	Scheduled      bool     `mapstructure:"scheduled"`
}

// Risk holds the portfolio risk limits. Fractions are of total equity.
type Risk struct {
	MaxRiskPerTrade float64 `mapstructure:"max_risk_per_trade"`
	MaxTotalRisk    float64 `mapstructure:"max_total_risk"`
	MinCashReserve  float64 `mapstructure:"min_cash_reserve"`
}

// Screener holds the superstock qualification and scoring thresholds.
// Growth thresholds are percentages.
type Screener struct {
	Universe           []string `mapstructure:"universe"`
	MinRevenueGrowth   float64  `mapstructure:"min_revenue_growth"`
	MinNetIncomeGrowth float64  `mapstructure:"min_net_income_growth"`
	MaxPSR             float64  `mapstructure:"max_psr"`
	StrongGrowth       float64  `mapstructure:"strong_growth"`
	StrongPSR          float64  `mapstructure:"strong_psr"`
	Concurrency        int      `mapstructure:"concurrency"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port   int    `mapstructure:"port"`
	ApiKey string `mapstructure:"api_key"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("market.rate_limit", 5) // requests per second
	viper.SetDefault("market.rate_limit_burst", 2)
	viper.SetDefault("market.timeout_seconds", 10)
	viper.SetDefault("dart.rate_limit", 1) // the provider throttles aggressively
	viper.SetDefault("dart.rate_limit_burst", 1)
	viper.SetDefault("dart.timeout_seconds", 10)
	viper.SetDefault("trading.entry_window", 20)
	viper.SetDefault("trading.exit_window", 10)
	viper.SetDefault("trading.atr_period", 20)
	viper.SetDefault("trading.stop_multiplier", 2.0)
	viper.SetDefault("trading.max_units", 4)
	viper.SetDefault("trading.tick_interval", 86400)
	viper.SetDefault("risk.max_risk_per_trade", 0.02)
	viper.SetDefault("risk.max_total_risk", 0.06)
	viper.SetDefault("risk.min_cash_reserve", 0)
	viper.SetDefault("screener.min_revenue_growth", 15.0)
	viper.SetDefault("screener.min_net_income_growth", 15.0)
	viper.SetDefault("screener.max_psr", 0.75)
	viper.SetDefault("screener.strong_growth", 30.0)
	viper.SetDefault("screener.strong_psr", 0.5)
	viper.SetDefault("screener.concurrency", 3)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
