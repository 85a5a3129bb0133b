package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// OracleMarket maps an authority-priced slab to each price source's asset id.
type OracleMarket struct {
	Slab   string            `mapstructure:"slab"`
	Symbol string            `mapstructure:"symbol"`
	IDs    map[string]string `mapstructure:"ids"`
}

type Config struct {
	App struct {
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`
		LogDir      string `mapstructure:"log_dir"`
		NumWorkers  int    `mapstructure:"num_workers"`
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"app"`

	RPC struct {
		PrimaryURL     string        `mapstructure:"primary_url"`
		FallbackURL    string        `mapstructure:"fallback_url"`
		ExtraURLs      []string      `mapstructure:"extra_urls"`
		WSURL          string        `mapstructure:"ws_url"`
		Commitment     string        `mapstructure:"commitment"`
		Timeout        time.Duration `mapstructure:"timeout"`
		BucketCapacity int           `mapstructure:"bucket_capacity"`
		BucketRefill   int           `mapstructure:"bucket_refill"`
		BucketInterval time.Duration `mapstructure:"bucket_interval"`
		CacheTTL       time.Duration `mapstructure:"cache_ttl"`
		CacheSize      int           `mapstructure:"cache_size"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
		BackoffMax     time.Duration `mapstructure:"backoff_max"`
	} `mapstructure:"rpc"`

	Tx struct {
		Keypair             string        `mapstructure:"keypair"`
		FeeFloor            uint64        `mapstructure:"fee_floor"`
		FeePercentile       int           `mapstructure:"fee_percentile"`
		DefaultComputeUnits uint32        `mapstructure:"default_compute_units"`
		ComputeMarginPct    int           `mapstructure:"compute_margin_pct"`
		ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
		PollInterval        time.Duration `mapstructure:"poll_interval"`
		MaxResubmits        int           `mapstructure:"max_resubmits"`
	} `mapstructure:"tx"`

	Markets struct {
		ProgramIDs        []string      `mapstructure:"program_ids"`
		StakeProgramID    string        `mapstructure:"stake_program_id"`
		DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
		DiscoveryTimeout  time.Duration `mapstructure:"discovery_timeout"`
		ActiveInterval    time.Duration `mapstructure:"active_interval"`
		IdleInterval      time.Duration `mapstructure:"idle_interval"`
		ActiveWindow      uint64        `mapstructure:"active_window"`
		MaxMisses         int           `mapstructure:"max_misses"`
		CrankTimeout      time.Duration `mapstructure:"crank_timeout"`
	} `mapstructure:"markets"`

	Oracle struct {
		Interval      time.Duration     `mapstructure:"interval"`
		Tolerance     float64           `mapstructure:"tolerance"`
		SourceTimeout time.Duration     `mapstructure:"source_timeout"`
		MaxAge        time.Duration     `mapstructure:"max_age"`
		Sources       []string          `mapstructure:"sources"`
		SourceRPS     float64           `mapstructure:"source_rps"`
		BaseURLs      map[string]string `mapstructure:"base_urls"`
		Markets       []OracleMarket    `mapstructure:"markets"`
	} `mapstructure:"oracle"`

	Liquidation struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"liquidation"`

	Monitor struct {
		MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
		ErrorRate              float64       `mapstructure:"error_rate"`
		WindowSize             int           `mapstructure:"window_size"`
		MinSamples             int           `mapstructure:"min_samples"`
		Staleness              time.Duration `mapstructure:"staleness"`
		Cooldown               time.Duration `mapstructure:"cooldown"`
		CheckInterval          time.Duration `mapstructure:"check_interval"`
	} `mapstructure:"monitor"`

	Alerts struct {
		TelegramToken  string        `mapstructure:"telegram_token"`
		TelegramChatID string        `mapstructure:"telegram_chat_id"`
		WebhookURL     string        `mapstructure:"webhook_url"`
		ExceptionURL   string        `mapstructure:"exception_url"`
		Timeout        time.Duration `mapstructure:"timeout"`
	} `mapstructure:"alerts"`

	ClickHouse struct {
		Addr          string        `mapstructure:"addr"`
		Database      string        `mapstructure:"database"`
		User          string        `mapstructure:"user"`
		Password      string        `mapstructure:"password"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		QueryTimeout  time.Duration `mapstructure:"query_timeout"`
		Debug         bool          `mapstructure:"debug"`
	} `mapstructure:"clickhouse"`

	NATS struct {
		URL    string `mapstructure:"url"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"nats"`
}

// aliases are the short environment names that do not follow the
// section_key convention.
var aliases = map[string]string{
	"app.log_level":            "LOG_LEVEL",
	"app.log_dir":              "LOG_DIR",
	"app.metrics_addr":         "METRICS_ADDR",
	"app.environment":          "APP_ENV",
	"markets.program_ids":      "PROGRAM_IDS",
	"markets.stake_program_id": "STAKE_PROGRAM_ID",
	"tx.keypair":               "TX_KEYPAIR",
	"alerts.exception_url":     "EXCEPTION_URL",
	"alerts.telegram_token":    "TELEGRAM_BOT_TOKEN",
	"alerts.telegram_chat_id":  "TELEGRAM_CHAT_ID",
	"alerts.webhook_url":       "ALERT_WEBHOOK_URL",
	"nats.url":                 "NATS_URL",
}

// Load reads .env if present, then layers defaults, the optional file named
// by KEEPER_CONFIG and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range aliases {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path := getEnvOrDefault("KEEPER_CONFIG", ""); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.RPC.ExtraURLs = compact(cfg.RPC.ExtraURLs)
	cfg.Markets.ProgramIDs = compact(cfg.Markets.ProgramIDs)
	cfg.Oracle.Sources = compact(cfg.Oracle.Sources)
	cfg.ClickHouse.Debug = cfg.ClickHouse.Debug || cfg.App.Environment != "production"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "production")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_dir", "logs")
	v.SetDefault("app.num_workers", getEnvAsIntOrDefault("NUM_WORKERS", 4))
	v.SetDefault("app.metrics_addr", ":8080")

	v.SetDefault("rpc.primary_url", "")
	v.SetDefault("rpc.fallback_url", "")
	v.SetDefault("rpc.extra_urls", []string{})
	v.SetDefault("rpc.ws_url", "")
	v.SetDefault("rpc.commitment", "confirmed")
	v.SetDefault("rpc.timeout", "15s")
	v.SetDefault("rpc.bucket_capacity", 10)
	v.SetDefault("rpc.bucket_refill", 10)
	v.SetDefault("rpc.bucket_interval", "1s")
	v.SetDefault("rpc.cache_ttl", "5s")
	v.SetDefault("rpc.cache_size", 500)
	v.SetDefault("rpc.max_attempts", 5)
	v.SetDefault("rpc.backoff_base", "1s")
	v.SetDefault("rpc.backoff_max", "30s")

	v.SetDefault("tx.keypair", "")
	v.SetDefault("tx.fee_floor", 10_000)
	v.SetDefault("tx.fee_percentile", 75)
	v.SetDefault("tx.default_compute_units", 600_000)
	v.SetDefault("tx.compute_margin_pct", 10)
	v.SetDefault("tx.confirm_timeout", "60s")
	v.SetDefault("tx.poll_interval", "2s")
	v.SetDefault("tx.max_resubmits", 2)

	v.SetDefault("markets.program_ids", []string{})
	v.SetDefault("markets.stake_program_id", "")
	v.SetDefault("markets.discovery_interval", "60s")
	v.SetDefault("markets.discovery_timeout", "30s")
	v.SetDefault("markets.active_interval", "10s")
	v.SetDefault("markets.idle_interval", "120s")
	v.SetDefault("markets.active_window", 300)
	v.SetDefault("markets.max_misses", 3)
	v.SetDefault("markets.crank_timeout", "90s")

	v.SetDefault("oracle.interval", "15s")
	v.SetDefault("oracle.tolerance", 0.005)
	v.SetDefault("oracle.source_timeout", "5s")
	v.SetDefault("oracle.max_age", "60s")
	v.SetDefault("oracle.sources", []string{"pyth", "binance", "coingecko", "jupiter"})
	v.SetDefault("oracle.source_rps", 2.0)

	v.SetDefault("liquidation.interval", "20s")
	v.SetDefault("liquidation.timeout", "3m")

	v.SetDefault("monitor.max_consecutive_failures", 3)
	v.SetDefault("monitor.error_rate", 0.5)
	v.SetDefault("monitor.window_size", 20)
	v.SetDefault("monitor.min_samples", 5)
	v.SetDefault("monitor.staleness", "10m")
	v.SetDefault("monitor.cooldown", "5m")
	v.SetDefault("monitor.check_interval", "30s")

	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", "")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.exception_url", "")
	v.SetDefault("alerts.timeout", "10s")

	v.SetDefault("clickhouse.addr", "")
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.batch_size", 1000)
	v.SetDefault("clickhouse.flush_interval", "5s")
	v.SetDefault("clickhouse.query_timeout", "30s")
	v.SetDefault("clickhouse.debug", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "keeper")
}

// Validate rejects configurations the keeper cannot run with. Signing key and
// program addresses have no defaults and must be supplied.
func (c *Config) Validate() error {
	if c.RPC.PrimaryURL == "" {
		return fmt.Errorf("rpc.primary_url (RPC_PRIMARY_URL) is required")
	}
	if len(c.RPC.ExtraURLs) > 3 {
		return fmt.Errorf("rpc.extra_urls accepts at most 3 endpoints, got %d", len(c.RPC.ExtraURLs))
	}
	if c.Tx.Keypair == "" {
		return fmt.Errorf("tx.keypair (TX_KEYPAIR) is required")
	}
	if len(c.Markets.ProgramIDs) == 0 {
		return fmt.Errorf("markets.program_ids (PROGRAM_IDS) must list at least one program")
	}
	if c.Oracle.Tolerance <= 0 || c.Oracle.Tolerance >= 1 {
		return fmt.Errorf("oracle.tolerance must be between 0 and 1 exclusive")
	}
	if c.Tx.FeePercentile < 1 || c.Tx.FeePercentile > 100 {
		return fmt.Errorf("tx.fee_percentile must be between 1 and 100")
	}
	if c.RPC.BucketCapacity < 1 || c.RPC.BucketRefill < 1 {
		return fmt.Errorf("rpc bucket capacity and refill must be at least 1")
	}

	intervals := map[string]time.Duration{
		"rpc.timeout":                c.RPC.Timeout,
		"rpc.bucket_interval":        c.RPC.BucketInterval,
		"rpc.cache_ttl":              c.RPC.CacheTTL,
		"tx.confirm_timeout":         c.Tx.ConfirmTimeout,
		"tx.poll_interval":           c.Tx.PollInterval,
		"markets.discovery_interval": c.Markets.DiscoveryInterval,
		"markets.discovery_timeout":  c.Markets.DiscoveryTimeout,
		"markets.active_interval":    c.Markets.ActiveInterval,
		"markets.idle_interval":      c.Markets.IdleInterval,
		"oracle.interval":            c.Oracle.Interval,
		"oracle.source_timeout":      c.Oracle.SourceTimeout,
		"liquidation.interval":       c.Liquidation.Interval,
		"monitor.check_interval":     c.Monitor.CheckInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.App.LogLevel] {
		return fmt.Errorf("app.log_level must be one of: debug, info, warn, error")
	}

	for i, m := range c.Oracle.Markets {
		if m.Slab == "" || len(m.IDs) == 0 {
			return fmt.Errorf("oracle.markets[%d] needs a slab and at least one source id", i)
		}
	}
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
