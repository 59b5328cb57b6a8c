// Package config loads the risk monitor's YAML configuration, grounded on
// internal/config/providers.go's struct-of-yaml-tags + LoadX + per-struct
// Validate shape. Top-level keys use yaml.v3 (as providers.go did); the
// divergence sub-document uses yaml.v2 to match internal/config/guards.go's
// choice, preserving the teacher's own mixed-version split (SPEC_FULL.md
// AMBIENT STACK).
package config

import (
	"fmt"
	"os"
	"time"

	yaml2 "gopkg.in/yaml.v2"
	yaml3 "gopkg.in/yaml.v3"

	"github.com/sawpanic/riskmonitor/internal/alert"
	"github.com/sawpanic/riskmonitor/internal/divergence"
	"github.com/sawpanic/riskmonitor/internal/model"
	"github.com/sawpanic/riskmonitor/internal/regime"
	"github.com/sawpanic/riskmonitor/internal/risk"
)

// RiskConfig is the top-level process configuration enumerated in spec §6.
type RiskConfig struct {
	Symbols         []string `yaml:"symbols"`
	SymbolClasses   map[string]string `yaml:"symbol_classes"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	WindowSeconds   int      `yaml:"window_seconds"`

	EarlyAlertLevel int `yaml:"early_alert_level"`
	HardAlertLevel  int `yaml:"hard_alert_level"`

	FundingExtremeThreshold float64 `yaml:"funding_extreme_threshold"`
	FundingSpikeThreshold   float64 `yaml:"funding_spike_threshold"`
	OISpikeThreshold        float64 `yaml:"oi_spike_threshold"`

	LiqThresholds map[string]float64 `yaml:"liq_thresholds"`

	ActivityWindowHours int `yaml:"activity_window_hours"`
	AlertWindowHours    int `yaml:"alert_window_hours"`

	StressConfirmTicks int `yaml:"stress_confirm_ticks"`
	StressExitTicks    int `yaml:"stress_exit_ticks"`
	CrowdConfirmTicks  int `yaml:"crowd_confirm_ticks"`

	RegimeCadenceSeconds int `yaml:"regime_cadence_seconds"`

	OutboxCapacity   int     `yaml:"outbox_capacity"`
	SendDelaySeconds float64 `yaml:"send_delay_seconds"`
	RetryLimit       int     `yaml:"retry_limit"`
	MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`

	FeedStaleSeconds int `yaml:"feed_stale_seconds"`
	FeedCheckSeconds int `yaml:"feed_check_seconds"`
	LoopStaleSeconds int `yaml:"loop_stale_seconds"`
	LoopCheckSeconds int `yaml:"loop_check_seconds"`

	DivergenceConfigPath string `yaml:"divergence_config_path"` // optional separate yaml.v2 document
}

// DefaultRiskConfig mirrors spec §8's scenario defaults and §4.8's watchdog
// cadences/thresholds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Symbols:                 []string{"BTCUSDT", "ETHUSDT"},
		IntervalSeconds:         60,
		WindowSeconds:           3600,
		EarlyAlertLevel:         4,
		HardAlertLevel:          6,
		FundingExtremeThreshold: 0.02,
		FundingSpikeThreshold:   0.003,
		OISpikeThreshold:        0.03,
		LiqThresholds:           map[string]float64{},
		ActivityWindowHours:     4,
		AlertWindowHours:        4,
		StressConfirmTicks:      3,
		StressExitTicks:         2,
		CrowdConfirmTicks:       2,
		RegimeCadenceSeconds:    900,
		OutboxCapacity:          2000,
		SendDelaySeconds:        0.2,
		RetryLimit:              5,
		MaxBackoffSeconds:       30,
		FeedStaleSeconds:        180,
		FeedCheckSeconds:        60,
		LoopStaleSeconds:        330,
		LoopCheckSeconds:        120,
	}
}

// Load reads and validates a RiskConfig from a YAML file.
func Load(path string) (RiskConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RiskConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultRiskConfig()
	if err := yaml3.Unmarshal(raw, &cfg); err != nil {
		return RiskConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RiskConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate enforces the non-empty/positive invariants every downstream
// package assumes (§6 "all fields are required").
func (c RiskConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.IntervalSeconds <= 0 || c.WindowSeconds <= 0 {
		return fmt.Errorf("interval_seconds and window_seconds must be positive")
	}
	if c.EarlyAlertLevel <= 0 || c.HardAlertLevel < c.EarlyAlertLevel {
		return fmt.Errorf("hard_alert_level must be >= early_alert_level > 0")
	}
	if c.FundingExtremeThreshold <= 0 || c.FundingSpikeThreshold <= 0 || c.OISpikeThreshold <= 0 {
		return fmt.Errorf("funding and OI thresholds must be positive")
	}
	if c.StressConfirmTicks <= 0 || c.StressExitTicks <= 0 || c.CrowdConfirmTicks <= 0 {
		return fmt.Errorf("hysteresis tick counts must be positive")
	}
	if c.OutboxCapacity <= 0 {
		return fmt.Errorf("outbox_capacity must be positive")
	}
	return nil
}

// SymbolClassMap resolves the configured symbol->class mapping, defaulting
// unlisted symbols to L3 per divergence.DefaultConfig's DefaultClass.
func (c RiskConfig) SymbolClassMap() map[string]model.SymbolClass {
	out := make(map[string]model.SymbolClass, len(c.Symbols))
	for _, sym := range c.Symbols {
		class := model.ClassL3
		if tag, ok := c.SymbolClasses[sym]; ok {
			class = model.SymbolClass(tag)
		}
		out[sym] = class
	}
	return out
}

// RiskThresholds builds the scorer's threshold set from the top-level config.
func (c RiskConfig) RiskThresholds() risk.Thresholds {
	return risk.Thresholds{
		FundingExtreme: c.FundingExtremeThreshold,
		FundingSpike:   c.FundingSpikeThreshold,
		OISpike:        c.OISpikeThreshold,
	}
}

// RegimeConfig builds the hysteresis classifier config from the top-level
// tick counts, keeping regime.DefaultConfig's candidate-map thresholds.
func (c RiskConfig) RegimeConfig() regime.Config {
	cfg := regime.DefaultConfig()
	cfg.StressConfirmTicks = c.StressConfirmTicks
	cfg.StressExitTicks = c.StressExitTicks
	cfg.CrowdConfirmTicks = c.CrowdConfirmTicks
	cfg.ActivityWindow = time.Duration(c.ActivityWindowHours) * time.Hour
	return cfg
}

// AlertConfig builds the outbox/worker config from the top-level config.
func (c RiskConfig) AlertConfig() alert.Config {
	return alert.Config{
		OutboxCapacity: c.OutboxCapacity,
		SendDelay:      time.Duration(c.SendDelaySeconds * float64(time.Second)),
		RetryLimit:     c.RetryLimit,
		MaxBackoff:     time.Duration(c.MaxBackoffSeconds) * time.Second,
		AlertWindow:    time.Duration(c.AlertWindowHours) * time.Hour,
	}
}

// LoadDivergenceConfig reads the optional yaml.v2-encoded divergence
// parameter document, or returns divergence.DefaultConfig when unset.
func LoadDivergenceConfig(path string) (divergence.Config, error) {
	if path == "" {
		return divergence.DefaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return divergence.Config{}, fmt.Errorf("read divergence config: %w", err)
	}
	cfg := divergence.DefaultConfig()
	if err := yaml2.Unmarshal(raw, &cfg); err != nil {
		return divergence.Config{}, fmt.Errorf("parse divergence config: %w", err)
	}
	return cfg, nil
}
