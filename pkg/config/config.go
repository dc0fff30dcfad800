// Package config loads the engine configuration surface: the
// reliability policy, tenant budget limits, and counter-store
// settings. The engine itself consumes plain structs; this package is
// the only place that touches files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/modelrelay/pkg/budget"
	"github.com/odvcencio/modelrelay/pkg/errors"
	"github.com/odvcencio/modelrelay/pkg/reliability"
)

// Default configuration values exported for documentation and validation
const (
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultBreakerWindow    = time.Minute
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultDailyBudget      = 20.00
	DefaultMonthlyBudget    = 200.00
)

// Config represents the complete engine configuration
type Config struct {
	Reliability ReliabilityConfig       `yaml:"reliability"`
	Budget      BudgetConfig            `yaml:"budget"`
	Tenants     map[string]TenantConfig `yaml:"tenants"`
	Store       StoreConfig             `yaml:"store"`
}

// ReliabilityConfig mirrors reliability.Policy in yaml form.
type ReliabilityConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BackoffKind       string        `yaml:"backoff_kind"` // constant | exponential
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	FallbackModels    []string      `yaml:"fallback_models"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
	Breaker           BreakerConfig `yaml:"circuit_breaker"`
	NonFallbackCodes  []string      `yaml:"non_fallback_codes"`
	RetryablePatterns []string      `yaml:"retryable_patterns"`
}

// BreakerConfig configures circuit breaking.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BudgetConfig holds the default limits applied to tenants without an
// explicit override.
type BudgetConfig struct {
	Mode               string  `yaml:"mode"` // none | soft | hard
	DailyCostUSD       float64 `yaml:"daily_cost_usd"`
	MonthlyCostUSD     float64 `yaml:"monthly_cost_usd"`
	DailyTokens        int64   `yaml:"daily_tokens"`
	MonthlyTokens      int64   `yaml:"monthly_tokens"`
	DailyExecutions    int64   `yaml:"daily_executions"`
	MonthlyExecutions  int64   `yaml:"monthly_executions"`
}

// TenantConfig overrides budget limits for one tenant.
type TenantConfig struct {
	Budget BudgetConfig `yaml:"budget"`
}

// StoreConfig selects the counter-store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database path; ignored for memory.
	Path string `yaml:"path"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Reliability: ReliabilityConfig{
			MaxRetries:  DefaultMaxRetries,
			BackoffKind: string(reliability.BackoffExponential),
			BackoffBase: DefaultBackoffBase,
			BackoffMax:  DefaultBackoffMax,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: DefaultFailureThreshold,
				Window:           DefaultBreakerWindow,
				Cooldown:         DefaultBreakerCooldown,
			},
			NonFallbackCodes: []string{
				string(errors.ErrCodeInvalidArgument),
				string(errors.ErrCodeConfigInvalid),
			},
		},
		Budget: BudgetConfig{
			Mode:           string(budget.ModeSoft),
			DailyCostUSD:   DefaultDailyBudget,
			MonthlyCostUSD: DefaultMonthlyBudget,
		},
		Store: StoreConfig{Backend: "memory"},
	}
}

// Load reads a yaml config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Reliability.MaxRetries < 0 {
		return fmt.Errorf("reliability.max_retries must be >= 0")
	}
	switch c.Reliability.BackoffKind {
	case "", string(reliability.BackoffConstant), string(reliability.BackoffExponential):
	default:
		return fmt.Errorf("reliability.backoff_kind must be constant or exponential, got %q", c.Reliability.BackoffKind)
	}
	if err := validateMode(c.Budget.Mode); err != nil {
		return err
	}
	for tenant, tc := range c.Tenants {
		if err := validateMode(tc.Budget.Mode); err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}
	switch c.Store.Backend {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}
	return nil
}

func validateMode(mode string) error {
	switch mode {
	case "", string(budget.ModeNone), string(budget.ModeSoft), string(budget.ModeHard):
		return nil
	default:
		return fmt.Errorf("budget mode must be none, soft or hard, got %q", mode)
	}
}

// Policy converts the reliability section into an engine policy.
func (c *Config) Policy() reliability.Policy {
	codes := make([]errors.ErrorCode, 0, len(c.Reliability.NonFallbackCodes))
	for _, code := range c.Reliability.NonFallbackCodes {
		codes = append(codes, errors.ErrorCode(code))
	}

	kind := reliability.BackoffKind(c.Reliability.BackoffKind)
	if kind == "" {
		kind = reliability.BackoffExponential
	}

	return reliability.Policy{
		MaxRetries: c.Reliability.MaxRetries,
		Backoff: reliability.BackoffConfig{
			Kind:     kind,
			Base:     c.Reliability.BackoffBase,
			MaxDelay: c.Reliability.BackoffMax,
		},
		FallbackModels: c.Reliability.FallbackModels,
		TotalTimeout:   c.Reliability.TotalTimeout,
		Breaker: reliability.BreakerConfig{
			Enabled:          c.Reliability.Breaker.Enabled,
			FailureThreshold: c.Reliability.Breaker.FailureThreshold,
			Window:           c.Reliability.Breaker.Window,
			Cooldown:         c.Reliability.Breaker.Cooldown,
		},
		NonFallbackCodes:  codes,
		RetryablePatterns: c.Reliability.RetryablePatterns,
	}
}

// DefaultLimits converts the budget section into tracker limits.
func (c *Config) DefaultLimits() budget.Limits {
	return toLimits(c.Budget)
}

// TenantLimits returns per-tenant overrides keyed by tenant id.
func (c *Config) TenantLimits() map[string]budget.Limits {
	out := make(map[string]budget.Limits, len(c.Tenants))
	for tenant, tc := range c.Tenants {
		out[tenant] = toLimits(tc.Budget)
	}
	return out
}

func toLimits(bc BudgetConfig) budget.Limits {
	mode := budget.EnforcementMode(bc.Mode)
	if mode == "" {
		mode = budget.ModeNone
	}
	return budget.Limits{
		Mode:              mode,
		DailyCostUSD:      bc.DailyCostUSD,
		MonthlyCostUSD:    bc.MonthlyCostUSD,
		DailyTokens:       bc.DailyTokens,
		MonthlyTokens:     bc.MonthlyTokens,
		DailyExecutions:   bc.DailyExecutions,
		MonthlyExecutions: bc.MonthlyExecutions,
	}
}
