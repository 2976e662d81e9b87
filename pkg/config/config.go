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

	"audit-core/internal/explain"
	"audit-core/internal/persistence"
	"audit-core/internal/risk"
)

// Config holds environment-driven settings for the audit core.
type Config struct {
	Port           string
	GRPCHealthAddr string

	// Audit store
	Store persistence.Config

	// Decision policy
	Risk            risk.Config
	Explain         explain.Config
	AuditFailClosed bool
	PolicyFile      string

	// Reconciliation
	ReconcileCron string

	// Localization
	Language string // "en" or "zh"
}

// Policy is the optional YAML policy file. Fields left out keep their
// defaults; unknown keys are rejected.
type Policy struct {
	Risk            risk.Config    `yaml:"risk"`
	Explain         explain.Config `yaml:"explain"`
	AuditFailClosed *bool          `yaml:"audit_fail_closed"`
}

// Error collects every configuration problem found while loading.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// IsConfigError reports whether err carries a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
// Precedence is defaults, then POLICY_FILE, then individual variables.
func FromEnv() (*Config, error) {
	e := &env{}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Store:          persistence.DefaultConfig(),
		Risk:           risk.DefaultConfig(),
		Explain:        explain.DefaultConfig(),
		PolicyFile:     getEnv("POLICY_FILE", ""),
		ReconcileCron:  getEnv("RECONCILE_CRON", "0 5 0 * * *"),
		Language:       getEnv("LANGUAGE", "en"),
	}

	if cfg.PolicyFile != "" {
		if err := applyPolicyFile(cfg, cfg.PolicyFile); err != nil {
			e.problems = append(e.problems, err.Error())
		}
	}

	// Audit store
	cfg.Store.Dir = getEnv("AUDIT_DIR", cfg.Store.Dir)
	cfg.Store.DBPath = getEnv("AUDIT_DB_PATH", cfg.Store.DBPath)
	cfg.Store.BatchSize = e.int("AUDIT_BATCH_SIZE", cfg.Store.BatchSize)
	cfg.Store.BatchInterval = e.duration("AUDIT_BATCH_INTERVAL", cfg.Store.BatchInterval)
	cfg.Store.QueueSize = e.int("AUDIT_QUEUE_SIZE", cfg.Store.QueueSize)
	cfg.Store.EnqueueTimeout = e.duration("AUDIT_ENQUEUE_TIMEOUT", cfg.Store.EnqueueTimeout)
	cfg.Store.MaxRetries = e.int("AUDIT_MAX_RETRIES", cfg.Store.MaxRetries)
	cfg.Store.RetryBackoff = e.duration("AUDIT_RETRY_BACKOFF", cfg.Store.RetryBackoff)
	cfg.Store.MaxBackoff = e.duration("AUDIT_MAX_BACKOFF", cfg.Store.MaxBackoff)
	cfg.AuditFailClosed = e.bool("AUDIT_FAIL_CLOSED", cfg.AuditFailClosed)

	// Risk policy
	cfg.Risk.LeverageCap = e.float("RISK_LEVERAGE_CAP", cfg.Risk.LeverageCap)
	cfg.Risk.MinDistToLiqPct = e.float("RISK_MIN_DIST_TO_LIQ_PCT", cfg.Risk.MinDistToLiqPct)
	cfg.Risk.MaxDailyLossPct = e.float("RISK_MAX_DAILY_LOSS_PCT", cfg.Risk.MaxDailyLossPct)
	cfg.Risk.CooldownLosses = e.int("RISK_COOLDOWN_LOSSES", cfg.Risk.CooldownLosses)
	cfg.Risk.MaxSlippageBps = e.float("RISK_MAX_SLIPPAGE_BPS", cfg.Risk.MaxSlippageBps)
	cfg.Risk.TieBreak = getEnv("RISK_TIE_BREAK", cfg.Risk.TieBreak)
	if v := os.Getenv("RISK_PRIORITY"); v != "" {
		cfg.Risk.Priority = splitAndTrim(v)
	}
	if v := os.Getenv("RISK_DISABLED_RULES"); v != "" {
		cfg.Risk.DisabledRules = splitAndTrim(v)
	}

	// Explanations
	if v := os.Getenv("EXPLAIN_TEMPLATES"); v != "" {
		cfg.Explain.Templates = splitAndTrim(v)
	}
	cfg.Explain.QualityThreshold = e.float("EXPLAIN_QUALITY_THRESHOLD", cfg.Explain.QualityThreshold)

	if v := os.Getenv("EVAL_TIMEOUT"); v != "" {
		d := e.duration("EVAL_TIMEOUT", cfg.Risk.EvalTimeout)
		cfg.Risk.EvalTimeout = d
		cfg.Explain.EvalTimeout = d
	}

	e.problems = append(e.problems, cfg.validate()...)
	if len(e.problems) > 0 {
		return nil, &Error{Problems: e.problems}
	}
	return cfg, nil
}

func applyPolicyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("policy file: %w", err)
	}
	defer f.Close()

	p := Policy{Risk: cfg.Risk, Explain: cfg.Explain}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	cfg.Risk = p.Risk
	cfg.Explain = p.Explain
	if p.AuditFailClosed != nil {
		cfg.AuditFailClosed = *p.AuditFailClosed
	}
	return nil
}

func (c *Config) validate() []string {
	var problems []string
	if err := c.Risk.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Explain.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Store.Dir == "" {
		problems = append(problems, "AUDIT_DIR must not be empty")
	}
	if c.Store.DBPath == "" {
		problems = append(problems, "AUDIT_DB_PATH must not be empty")
	}
	if c.Store.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("AUDIT_BATCH_SIZE must be > 0 (got %d)", c.Store.BatchSize))
	}
	if c.Store.BatchInterval <= 0 {
		problems = append(problems, fmt.Sprintf("AUDIT_BATCH_INTERVAL must be > 0 (got %s)", c.Store.BatchInterval))
	}
	if c.Store.QueueSize <= 0 {
		problems = append(problems, fmt.Sprintf("AUDIT_QUEUE_SIZE must be > 0 (got %d)", c.Store.QueueSize))
	}
	if c.Store.MaxRetries <= 0 {
		problems = append(problems, fmt.Sprintf("AUDIT_MAX_RETRIES must be > 0 (got %d)", c.Store.MaxRetries))
	}
	if c.Store.MaxBackoff < c.Store.RetryBackoff {
		problems = append(problems, "AUDIT_MAX_BACKOFF must be >= AUDIT_RETRY_BACKOFF")
	}
	if c.Language != "en" && c.Language != "zh" {
		problems = append(problems, fmt.Sprintf("LANGUAGE must be en or zh (got %q)", c.Language))
	}
	return problems
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// env parses typed variables and remembers malformed ones.
type env struct {
	problems []string
}

func (e *env) bad(key, v, want string) {
	e.problems = append(e.problems, fmt.Sprintf("%s=%q is not a valid %s", key, v, want))
}

func (e *env) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.bad(key, v, "number")
		return def
	}
	return f
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.bad(key, v, "integer")
		return def
	}
	return i
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.bad(key, v, "duration")
		return def
	}
	return d
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.bad(key, v, "boolean")
		return def
	}
	return b
}
