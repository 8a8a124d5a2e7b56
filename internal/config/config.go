package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-autopilot/internal/types"
)

// Config is the complete autopilot configuration.
type Config struct {
	LogLevel    string             `json:"log_level" yaml:"log_level"`
	Account     AccountConfig      `json:"account" yaml:"account"`
	Database    DatabaseConfig     `json:"database" yaml:"database"`
	HTTP        HTTPConfig         `json:"http" yaml:"http"`
	Scheduler   SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Signal      SignalConfig       `json:"signal" yaml:"signal"`
	Risk        RiskConfig         `json:"risk" yaml:"risk"`
	Approval    ApprovalConfig     `json:"approval" yaml:"approval"`
	Gateway     GatewayConfig      `json:"gateway" yaml:"gateway"`
	Instruments []types.Instrument `json:"instruments" yaml:"instruments"`
}

type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Equity   float64 `json:"equity" yaml:"equity"`
}

type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

type HTTPConfig struct {
	Port string `json:"port" yaml:"port"`
}

type SchedulerConfig struct {
	ScanInterval     string   `json:"scan_interval" yaml:"scan_interval"`
	MaxParallelScans int      `json:"max_parallel_scans" yaml:"max_parallel_scans"`
	IdeaTTL          string   `json:"idea_ttl" yaml:"idea_ttl"`
	ExecutionTimeout string   `json:"execution_timeout" yaml:"execution_timeout"`
	ClaimGrace       string   `json:"claim_grace" yaml:"claim_grace"`
	Instruments      []string `json:"instruments" yaml:"instruments"`
}

type TimeframeWeight struct {
	Timeframe types.Timeframe `json:"timeframe" yaml:"timeframe"`
	Weight    float64         `json:"weight" yaml:"weight"`
}

type SignalConfig struct {
	Timeframes            []TimeframeWeight `json:"timeframes" yaml:"timeframes"`
	MinConfidence         int               `json:"min_confidence" yaml:"min_confidence"`
	DisagreementTolerance float64           `json:"disagreement_tolerance" yaml:"disagreement_tolerance"`
	StopATRMultiple       float64           `json:"stop_atr_multiple" yaml:"stop_atr_multiple"`
	TakeProfitATRMultiple float64           `json:"take_profit_atr_multiple" yaml:"take_profit_atr_multiple"`
	MinRiskReward         float64           `json:"min_risk_reward" yaml:"min_risk_reward"`
	RSIOverbought         float64           `json:"rsi_overbought" yaml:"rsi_overbought"`
	RSIOversold           float64           `json:"rsi_oversold" yaml:"rsi_oversold"`
}

type RiskConfig struct {
	DailyLossLimit            float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	SessionStart              string  `json:"session_start" yaml:"session_start"`
	SessionEnd                string  `json:"session_end" yaml:"session_end"`
	Timezone                  string  `json:"timezone" yaml:"timezone"`
	MaxConcurrentPositions    int     `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxPositionsPerInstrument int     `json:"max_positions_per_instrument" yaml:"max_positions_per_instrument"`
	PerInstrumentVolumeCap    float64 `json:"per_instrument_volume_cap" yaml:"per_instrument_volume_cap"`
	RiskPerTradePct           float64 `json:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
}

type ApprovalConfig struct {
	AutoApprove          bool `json:"auto_approve" yaml:"auto_approve"`
	MinConfidence        int  `json:"min_confidence" yaml:"min_confidence"`
	LeavePendingForAudit bool `json:"leave_pending_for_audit" yaml:"leave_pending_for_audit"`
}

type GatewayConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	MaxRetryElapsed   string  `json:"max_retry_elapsed" yaml:"max_retry_elapsed"`
}

// LoadFromFile reads a YAML (or JSON) config file over the defaults. It does
// not validate; Load does that once the environment overlay is applied.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// (when non-empty), then environment overrides from .env and the process.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on process environment")
	}

	cfg := Default()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays AUTOPILOT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("AUTOPILOT_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("AUTOPILOT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("AUTOPILOT_HTTP_PORT"); v != "" {
		c.HTTP.Port = v
	}
	if v := os.Getenv("AUTOPILOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AUTOPILOT_SCAN_INTERVAL"); v != "" {
		c.Scheduler.ScanInterval = v
	}
	if v := os.Getenv("AUTOPILOT_INSTRUMENTS"); v != "" {
		c.Scheduler.Instruments = splitList(v)
	}
	if v := os.Getenv("AUTOPILOT_AUTO_APPROVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTOPILOT_AUTO_APPROVE: %w", err)
		}
		c.Approval.AutoApprove = b
	}
	return nil
}

// SaveToFile writes the configuration as YAML or JSON depending on the
// file extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return errors.New("account.id is required")
	}
	if c.Account.Equity <= 0 {
		return errors.New("account.equity must be positive")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return errors.New("database.driver must be 'sqlite' or 'postgres'")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn required for postgres")
	}

	for name, d := range map[string]string{
		"scheduler.scan_interval":     c.Scheduler.ScanInterval,
		"scheduler.idea_ttl":          c.Scheduler.IdeaTTL,
		"scheduler.execution_timeout": c.Scheduler.ExecutionTimeout,
	} {
		v, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Scheduler.ClaimGrace != "" {
		if _, err := time.ParseDuration(c.Scheduler.ClaimGrace); err != nil {
			return fmt.Errorf("scheduler.claim_grace: %w", err)
		}
	}
	if c.Gateway.MaxRetryElapsed != "" {
		if _, err := time.ParseDuration(c.Gateway.MaxRetryElapsed); err != nil {
			return fmt.Errorf("gateway.max_retry_elapsed: %w", err)
		}
	}
	if c.Scheduler.MaxParallelScans <= 0 {
		return errors.New("scheduler.max_parallel_scans must be positive")
	}
	if len(c.Scheduler.Instruments) == 0 {
		return errors.New("scheduler.instruments must not be empty")
	}
	known := c.InstrumentIndex()
	for _, sym := range c.Scheduler.Instruments {
		if _, ok := known[sym]; !ok {
			return fmt.Errorf("unknown instrument: %s", sym)
		}
	}
	for _, inst := range c.Instruments {
		if inst.ContractSize <= 0 || inst.MinVolume <= 0 || inst.VolumeStep <= 0 {
			return fmt.Errorf("instrument %s: contract_size, min_volume and volume_step must be positive", inst.Symbol)
		}
		if inst.MaxVolume < inst.MinVolume {
			return fmt.Errorf("instrument %s: max_volume below min_volume", inst.Symbol)
		}
		if inst.MinRiskReward < 0 {
			return fmt.Errorf("instrument %s: min_risk_reward must not be negative", inst.Symbol)
		}
		if inst.RiskPerTradePct < 0 || inst.RiskPerTradePct > 0.05 {
			return fmt.Errorf("instrument %s: risk_per_trade_pct must be between 0 and 0.05", inst.Symbol)
		}
	}

	if len(c.Signal.Timeframes) == 0 {
		return errors.New("signal.timeframes must not be empty")
	}
	for _, tf := range c.Signal.Timeframes {
		if tf.Weight <= 0 {
			return fmt.Errorf("signal.timeframes: weight for %s must be positive", tf.Timeframe)
		}
	}
	if c.Signal.MinConfidence < 0 || c.Signal.MinConfidence > 100 {
		return errors.New("signal.min_confidence must be between 0 and 100")
	}
	if c.Signal.DisagreementTolerance < 0 || c.Signal.DisagreementTolerance > 1 {
		return errors.New("signal.disagreement_tolerance must be between 0 and 1")
	}
	if c.Signal.StopATRMultiple <= 0 || c.Signal.TakeProfitATRMultiple <= 0 {
		return errors.New("signal ATR multiples must be positive")
	}

	if c.Risk.DailyLossLimit <= 0 {
		return errors.New("risk.daily_loss_limit must be positive")
	}
	if c.Risk.RiskPerTradePct < 0 || c.Risk.RiskPerTradePct > 0.05 {
		return errors.New("risk.risk_per_trade_pct must be between 0 and 0.05")
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}
	if !validClock(c.Risk.SessionStart) || !validClock(c.Risk.SessionEnd) {
		return errors.New("risk.session_start and risk.session_end must be HH:MM")
	}
	if c.Risk.MaxConcurrentPositions <= 0 || c.Risk.MaxPositionsPerInstrument <= 0 {
		return errors.New("risk position caps must be positive")
	}
	return nil
}

// InstrumentIndex maps symbols to their contract metadata.
func (c *Config) InstrumentIndex() map[string]types.Instrument {
	out := make(map[string]types.Instrument, len(c.Instruments))
	for _, inst := range c.Instruments {
		out[inst.Symbol] = inst
	}
	return out
}

// Duration parses a duration field that Validate already accepted. An empty
// value yields def.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Budget returns the configured risk limits as an initial budget record.
func (c *Config) Budget() types.RiskBudget {
	return types.RiskBudget{
		AccountID:                 c.Account.ID,
		DailyLossLimit:            c.Risk.DailyLossLimit,
		SessionStart:              c.Risk.SessionStart,
		SessionEnd:                c.Risk.SessionEnd,
		Timezone:                  c.Risk.Timezone,
		MaxConcurrentPositions:    c.Risk.MaxConcurrentPositions,
		MaxPositionsPerInstrument: c.Risk.MaxPositionsPerInstrument,
		PerInstrumentVolumeCap:    c.Risk.PerInstrumentVolumeCap,
		RiskPerTradePct:           c.Risk.RiskPerTradePct,
		AccountEquity:             c.Account.Equity,
	}
}

func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Default returns a configuration that runs against a local sqlite file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Account: AccountConfig{
			ID:       "ACC-001",
			Currency: "USD",
			Equity:   100000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "autopilot.db",
		},
		HTTP: HTTPConfig{Port: "8080"},
		Scheduler: SchedulerConfig{
			ScanInterval:     "15m",
			MaxParallelScans: 4,
			IdeaTTL:          "30m",
			ExecutionTimeout: "10s",
			ClaimGrace:       "30s",
			Instruments:      []string{"EUR_USD", "GBP_USD", "USD_JPY", "XAU_USD"},
		},
		Signal: SignalConfig{
			Timeframes: []TimeframeWeight{
				{Timeframe: "M15", Weight: 1},
				{Timeframe: "H1", Weight: 2},
				{Timeframe: "H4", Weight: 3},
				{Timeframe: "D1", Weight: 4},
			},
			MinConfidence:         60,
			DisagreementTolerance: 0.25,
			StopATRMultiple:       1.2,
			TakeProfitATRMultiple: 2.4,
			MinRiskReward:         2.0,
			RSIOverbought:         70,
			RSIOversold:           30,
		},
		Risk: RiskConfig{
			DailyLossLimit:            1500,
			SessionStart:              "00:00",
			SessionEnd:                "00:00",
			Timezone:                  "UTC",
			MaxConcurrentPositions:    3,
			MaxPositionsPerInstrument: 1,
			PerInstrumentVolumeCap:    5,
			RiskPerTradePct:           0.01,
		},
		Approval: ApprovalConfig{
			AutoApprove:   false,
			MinConfidence: 75,
		},
		Gateway: GatewayConfig{
			RequestsPerSecond: 5,
			Burst:             1,
			MaxRetryElapsed:   "5s",
		},
		Instruments: []types.Instrument{
			{Symbol: "EUR_USD", ContractSize: 100000, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 10, Precision: 5},
			{Symbol: "GBP_USD", ContractSize: 100000, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 10, Precision: 5},
			{Symbol: "USD_JPY", ContractSize: 1000, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 10, Precision: 3},
			{Symbol: "XAU_USD", ContractSize: 100, MinVolume: 0.01, VolumeStep: 0.01, MaxVolume: 5, Precision: 2},
		},
	}
}
