package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Providers  []ProviderConfig `yaml:"providers"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Registry   RegistryConfig   `yaml:"registry"`
	Outcomes   OutcomeConfig    `yaml:"outcomes"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Proxy      string           `yaml:"proxy"`
}

type LogConfig struct {
	Level             string `yaml:"level"`
	Encoding          string `yaml:"encoding"`
	Development       bool   `yaml:"development"`
	Sampling          bool   `yaml:"sampling"`
	DisableCaller     bool   `yaml:"disable_caller"`
	DisableStacktrace bool   `yaml:"disable_stacktrace"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite | postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ProviderConfig describes one price provider. Order in the list is fallback order.
type ProviderConfig struct {
	Name           string        `yaml:"name"` // yahoo | twelvedata | vstrader
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec int           `yaml:"requests_per_sec"`
	MaxRetries     int           `yaml:"max_retries"`
}

type MarketDataConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	ProbeSymbol string        `yaml:"probe_symbol"`
}

type RegistryConfig struct {
	BackfillDays    int           `yaml:"backfill_days"`
	RefreshDays     int           `yaml:"refresh_days"`
	StaleWindow     time.Duration `yaml:"stale_window"`
	ReferenceWindow time.Duration `yaml:"reference_window"`
	StuckAfter      time.Duration `yaml:"stuck_after"`
	Concurrency     int           `yaml:"concurrency"`
}

type OutcomeConfig struct {
	Notional     float64 `yaml:"notional"`
	LookbackDays int     `yaml:"lookback_days"`
}

type ScheduleConfig struct {
	PriceRefreshCron string `yaml:"price_refresh_cron"`
	OutcomeCron      string `yaml:"outcome_cron"`
	StaleSweepCron   string `yaml:"stale_sweep_cron"`
	RetryFailedCron  string `yaml:"retry_failed_cron"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// Load reads config from a YAML file, then applies .env and environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" && cfg.Database.Driver != "postgres" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PRICE_PROVIDERS"); v != "" {
		cfg.Providers = mergeProviderList(cfg.Providers, v)
	}
	for i := range cfg.Providers {
		key := "PROVIDER_" + strings.ToUpper(cfg.Providers[i].Name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
	if v := os.Getenv("VSTRADER_BASE_URL"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].Name == "vstrader" {
				cfg.Providers[i].BaseURL = v
			}
		}
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("OUTCOME_NOTIONAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Outcomes.Notional = f
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
}

// mergeProviderList reorders providers by a comma-separated name list,
// keeping settings already present in the file.
func mergeProviderList(existing []ProviderConfig, list string) []ProviderConfig {
	byName := make(map[string]ProviderConfig, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}
	var out []ProviderConfig
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		p, ok := byName[name]
		if !ok {
			p = ProviderConfig{Name: name}
		}
		out = append(out, p)
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/outcome_sentinel.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{Name: "yahoo"}}
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Timeout == 0 {
			p.Timeout = 15 * time.Second
		}
		if p.RequestsPerSec == 0 {
			p.RequestsPerSec = 5
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 2
		}
	}
	if cfg.MarketData.StaleAfter == 0 {
		cfg.MarketData.StaleAfter = 24 * time.Hour
	}
	if cfg.MarketData.ProbeSymbol == "" {
		cfg.MarketData.ProbeSymbol = "SPY"
	}
	if cfg.Registry.BackfillDays == 0 {
		cfg.Registry.BackfillDays = 90
	}
	if cfg.Registry.RefreshDays == 0 {
		cfg.Registry.RefreshDays = 7
	}
	if cfg.Registry.StaleWindow == 0 {
		cfg.Registry.StaleWindow = 7 * 24 * time.Hour
	}
	if cfg.Registry.ReferenceWindow == 0 {
		cfg.Registry.ReferenceWindow = 30 * 24 * time.Hour
	}
	if cfg.Registry.StuckAfter == 0 {
		cfg.Registry.StuckAfter = time.Hour
	}
	if cfg.Registry.Concurrency == 0 {
		cfg.Registry.Concurrency = 4
	}
	if cfg.Outcomes.Notional == 0 {
		cfg.Outcomes.Notional = 1000
	}
	if cfg.Outcomes.LookbackDays == 0 {
		cfg.Outcomes.LookbackDays = 120
	}
	if cfg.Schedule.PriceRefreshCron == "" {
		cfg.Schedule.PriceRefreshCron = "0 */15 * * * *"
	}
	if cfg.Schedule.OutcomeCron == "" {
		cfg.Schedule.OutcomeCron = "0 30 23 * * *"
	}
	if cfg.Schedule.StaleSweepCron == "" {
		cfg.Schedule.StaleSweepCron = "0 0 2 * * *"
	}
	if cfg.Schedule.RetryFailedCron == "" {
		cfg.Schedule.RetryFailedCron = "0 0 3 * * 1"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "predictions:completed"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
}

var knownProviders = map[string]bool{"yahoo": true, "twelvedata": true, "vstrader": true}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one price provider is required")
	}
	for _, p := range c.Providers {
		if !knownProviders[p.Name] {
			return fmt.Errorf("providers: unknown provider %q", p.Name)
		}
		if p.Name == "twelvedata" && p.APIKey == "" {
			return fmt.Errorf("providers: twelvedata requires api_key")
		}
		if p.Name == "vstrader" && p.BaseURL == "" {
			return fmt.Errorf("providers: vstrader requires base_url")
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Outcomes.Notional <= 0 {
		return fmt.Errorf("outcomes.notional must be positive")
	}
	if c.Registry.BackfillDays <= 0 {
		return fmt.Errorf("registry.backfill_days must be positive")
	}
	return nil
}
