package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Scanner   ScannerConfig    `yaml:"scanner"`
	Sizing    SizingConfig     `yaml:"sizing"`
	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
	Capital   CapitalConfig    `yaml:"capital"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Advisor   AdvisorConfig    `yaml:"advisor"`
	Storage   StorageConfig    `yaml:"storage"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Log       LogConfig        `yaml:"log"`
}

// ScannerConfig controls the opportunity scanner.
type ScannerConfig struct {
	IntervalMs             int           `yaml:"interval_ms"`
	Symbols                []string      `yaml:"symbols"`
	StaleAfterMs           int           `yaml:"stale_after_ms"`
	MinScore               float64       `yaml:"min_score"`
	TopN                   int           `yaml:"top_n"`
	OpportunityTTLSeconds  int           `yaml:"opportunity_ttl_seconds"`
	Workers                int           `yaml:"workers"` // 0 = NumCPU*2
	DegradedAfterTicks     int           `yaml:"degraded_after_ticks"`
	RejectionWindowMinutes int           `yaml:"rejection_window_minutes"`
	Weights                WeightsConfig `yaml:"weights"`
}

// WeightsConfig are the composite score weights. All zero keeps the defaults.
type WeightsConfig struct {
	Volatility float64 `yaml:"volatility"`
	Volume     float64 `yaml:"volume"`
	Spread     float64 `yaml:"spread"`
	Momentum   float64 `yaml:"momentum"`
}

// IsZero returns true if no weight was configured.
func (w WeightsConfig) IsZero() bool {
	return w.Volatility == 0 && w.Volume == 0 && w.Spread == 0 && w.Momentum == 0
}

// SizingConfig controls the fee-aware position sizer.
type SizingConfig struct {
	TargetNetProfit      float64 `yaml:"target_net_profit"`
	MinEdgePercent       float64 `yaml:"min_edge_percent"`
	MaxAllocationPercent float64 `yaml:"max_allocation_percent"` // fraction of total capital, (0,1]
	SlippageBps          float64 `yaml:"slippage_bps"`
}

// LifecycleConfig controls every trading lane.
type LifecycleConfig struct {
	MinNetProfit           float64 `yaml:"min_net_profit"`
	AuditInterval          int     `yaml:"audit_interval"`
	TickIntervalMs         int     `yaml:"tick_interval_ms"`
	ExitPollIntervalMs     int     `yaml:"exit_poll_interval_ms"`
	ExitTimeoutSeconds     int     `yaml:"exit_timeout_seconds"`
	StopLossPercent        float64 `yaml:"stop_loss_percent"`
	TrailingPercent        float64 `yaml:"trailing_percent"`
	MaxHoldSeconds         int     `yaml:"max_hold_seconds"`
	BaseCooldownMs         int     `yaml:"base_cooldown_ms"`
	MinCooldownMs          int     `yaml:"min_cooldown_ms"`
	MaxCooldownMs          int     `yaml:"max_cooldown_ms"`
	CircuitMaxLosses       int     `yaml:"circuit_max_losses"`
	CircuitCooldownMinutes int     `yaml:"circuit_cooldown_minutes"`
	MaxDrawdownUSD         float64 `yaml:"max_drawdown_usd"` // positive number, 0 disables
}

// CapitalConfig controls the capital deployment manager.
type CapitalConfig struct {
	RefreshIntervalSeconds int     `yaml:"refresh_interval_seconds"`
	IdleAlertAfterMinutes  int     `yaml:"idle_alert_after_minutes"`
	IdleUtilizationPercent float64 `yaml:"idle_utilization_percent"`
	AutoDeploy             bool    `yaml:"auto_deploy"`
	QuoteAsset             string  `yaml:"quote_asset"`
}

// ExchangeConfig is one exchange account and the lane trading on it.
type ExchangeConfig struct {
	Name         string  `yaml:"name"`
	FeeRate      float64 `yaml:"fee_rate"`
	MinNotional  float64 `yaml:"min_notional"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	Testnet      bool    `yaml:"testnet"`
	BaseURL      string  `yaml:"base_url"`
	WSURL        string  `yaml:"ws_url"`
	Paper        bool    `yaml:"paper"`
	PaperBalance float64 `yaml:"paper_balance"`
	// En spot no se puede vender lo que no se tiene: false salvo margen o futuros.
	AllowShort bool `yaml:"allow_short"`
}

// AdvisorConfig configures the optional advisory collaborator. Empty URL disables it.
type AdvisorConfig struct {
	URL            string  `yaml:"url"`
	Token          string  `yaml:"token"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSec     float64 `yaml:"rate_per_sec"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Type   string       `yaml:"type"` // sqlite | influxdb | both | none
	DSN    string       `yaml:"dsn"`  // SQLite file path, or ":memory:"
	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig is the InfluxDB v2 connection.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	if c.Sizing.MaxAllocationPercent <= 0 || c.Sizing.MaxAllocationPercent > 1 {
		errs = append(errs, fmt.Errorf("sizing.max_allocation_percent must be in (0,1], got %v", c.Sizing.MaxAllocationPercent))
	}
	if c.Sizing.MinEdgePercent < 0 {
		errs = append(errs, fmt.Errorf("sizing.min_edge_percent must not be negative, got %v", c.Sizing.MinEdgePercent))
	}
	if len(c.Exchanges) == 0 {
		errs = append(errs, errors.New("at least one exchange is required"))
	}
	if len(c.Scanner.Symbols) == 0 {
		errs = append(errs, errors.New("scanner.symbols must not be empty"))
	}
	if c.Lifecycle.AuditInterval <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.audit_interval must be positive, got %d", c.Lifecycle.AuditInterval))
	}
	if c.Lifecycle.MinCooldownMs > c.Lifecycle.MaxCooldownMs {
		errs = append(errs, fmt.Errorf("lifecycle.min_cooldown_ms %d exceeds max_cooldown_ms %d",
			c.Lifecycle.MinCooldownMs, c.Lifecycle.MaxCooldownMs))
	}
	if c.Scanner.MinScore < 0 || c.Scanner.MinScore > 100 {
		errs = append(errs, fmt.Errorf("scanner.min_score must be in [0,100], got %v", c.Scanner.MinScore))
	}

	seen := make(map[string]bool, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			errs = append(errs, fmt.Errorf("exchanges[%d].name is required", i))
			continue
		}
		if seen[ex.Name] {
			errs = append(errs, fmt.Errorf("exchange %q listed twice", ex.Name))
		}
		seen[ex.Name] = true
		if ex.FeeRate < 0 || ex.FeeRate >= 0.1 {
			errs = append(errs, fmt.Errorf("exchange %q fee_rate %v out of range", ex.Name, ex.FeeRate))
		}
		if !ex.Paper && (ex.APIKey == "" || ex.APISecret == "") {
			errs = append(errs, fmt.Errorf("exchange %q needs api_key and api_secret unless paper is set", ex.Name))
		}
	}

	switch c.Storage.Type {
	case "sqlite", "none":
	case "influxdb", "both":
		if c.Storage.Influx.URL == "" || c.Storage.Influx.Org == "" || c.Storage.Influx.Bucket == "" {
			errs = append(errs, errors.New("storage.influx url, org and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q unknown", c.Storage.Type))
	}
	return errors.Join(errs...)
}

// ScanInterval returns the scan interval.
func (c *Config) ScanInterval() time.Duration {
	return ms(c.Scanner.IntervalMs)
}

// Exchange returns the exchange named name.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// applyEnvOverrides overrides values with environment variables when present.
// Exchange secrets come from <NAME>_API_KEY and <NAME>_API_SECRET.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.Storage.Influx.Token = v
	}
	if v := os.Getenv("ADVISOR_URL"); v != "" {
		cfg.Advisor.URL = v
	}
	if v := os.Getenv("ADVISOR_TOKEN"); v != "" {
		cfg.Advisor.Token = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("AUTO_DEPLOY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Capital.AutoDeploy = b
		}
	}
	for i := range cfg.Exchanges {
		prefix := envPrefix(cfg.Exchanges[i].Name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			cfg.Exchanges[i].APIKey = v
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			cfg.Exchanges[i].APISecret = v
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	s := &cfg.Scanner
	if s.IntervalMs <= 0 {
		s.IntervalMs = 1000
	}
	if s.StaleAfterMs <= 0 {
		s.StaleAfterMs = 5000
	}
	if s.MinScore == 0 {
		s.MinScore = 40
	}
	if s.TopN <= 0 {
		s.TopN = 20
	}
	if s.OpportunityTTLSeconds <= 0 {
		s.OpportunityTTLSeconds = 30
	}
	if s.DegradedAfterTicks <= 0 {
		s.DegradedAfterTicks = 5
	}
	if s.RejectionWindowMinutes <= 0 {
		s.RejectionWindowMinutes = 15
	}
	for i, sym := range s.Symbols {
		s.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	z := &cfg.Sizing
	if z.TargetNetProfit <= 0 {
		z.TargetNetProfit = 1.00
	}
	if z.MinEdgePercent == 0 {
		z.MinEdgePercent = 0.6
	}
	if z.MaxAllocationPercent == 0 {
		z.MaxAllocationPercent = 0.5
	}
	if z.SlippageBps == 0 {
		z.SlippageBps = 5
	}

	l := &cfg.Lifecycle
	if l.MinNetProfit <= 0 {
		l.MinNetProfit = 0.50
	}
	if l.AuditInterval == 0 {
		l.AuditInterval = 20
	}
	if l.TickIntervalMs <= 0 {
		l.TickIntervalMs = 1000
	}
	if l.ExitPollIntervalMs <= 0 {
		l.ExitPollIntervalMs = 2000
	}
	if l.ExitTimeoutSeconds <= 0 {
		l.ExitTimeoutSeconds = 30
	}
	if l.StopLossPercent <= 0 {
		l.StopLossPercent = 0.5
	}
	if l.TrailingPercent <= 0 {
		l.TrailingPercent = 0.15
	}
	if l.MaxHoldSeconds == 0 {
		l.MaxHoldSeconds = 300
	}
	if l.BaseCooldownMs <= 0 {
		l.BaseCooldownMs = 5000
	}
	if l.MinCooldownMs <= 0 {
		l.MinCooldownMs = 1000
	}
	if l.MaxCooldownMs <= 0 {
		l.MaxCooldownMs = 120_000
	}
	if l.CircuitMaxLosses <= 0 {
		l.CircuitMaxLosses = 3
	}
	if l.CircuitCooldownMinutes <= 0 {
		l.CircuitCooldownMinutes = 30
	}

	c := &cfg.Capital
	if c.RefreshIntervalSeconds <= 0 {
		c.RefreshIntervalSeconds = 15
	}
	if c.IdleAlertAfterMinutes <= 0 {
		c.IdleAlertAfterMinutes = 10
	}
	if c.IdleUtilizationPercent <= 0 {
		c.IdleUtilizationPercent = 10
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}

	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		if ex.FeeRate == 0 {
			ex.FeeRate = 0.001
		}
		if ex.MinNotional <= 0 {
			ex.MinNotional = 10
		}
		if ex.Paper && ex.PaperBalance <= 0 {
			ex.PaperBalance = 1000
		}
	}

	if cfg.Advisor.TimeoutSeconds <= 0 {
		cfg.Advisor.TimeoutSeconds = 5
	}
	if cfg.Advisor.RatePerSec <= 0 {
		cfg.Advisor.RatePerSec = 1
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "arbengine.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
