package explain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Template identifiers in default priority order.
const (
	TemplateTrendATR         = "trend_atr_v2"
	TemplateRangeRevert      = "range_revert_v1"
	TemplateBreakoutPullback = "breakout_pullback"
	TemplateMomentumVolume   = "momentum_volume"
	TemplateMeanReversion    = "mean_reversion"
	TemplateFallback         = "fallback"
)

// DefaultTemplateOrder lists every narrative template in default priority order.
var DefaultTemplateOrder = []string{
	TemplateTrendATR,
	TemplateRangeRevert,
	TemplateBreakoutPullback,
	TemplateMomentumVolume,
	TemplateMeanReversion,
}

// Config selects and tunes the narrative templates.
type Config struct {
	// Templates are the enabled template ids, highest priority first.
	Templates        []string      `json:"templates" yaml:"templates"`
	QualityThreshold float64       `json:"quality_threshold" yaml:"quality_threshold"`
	EvalTimeout      time.Duration `json:"eval_timeout" yaml:"eval_timeout"`
}

// DefaultConfig enables every template with a 0.5 quality threshold.
func DefaultConfig() Config {
	return Config{
		Templates:        append([]string(nil), DefaultTemplateOrder...),
		QualityThreshold: 0.5,
		EvalTimeout:      50 * time.Millisecond,
	}
}

// ConfigError reports a malformed template configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid explain config: " + strings.Join(e.Problems, "; ")
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Validate rejects unknown or duplicated template ids and out-of-range knobs.
func (c Config) Validate() error {
	var problems []string
	seen := make(map[string]bool, len(c.Templates))
	for _, id := range c.Templates {
		if !slices.Contains(DefaultTemplateOrder, id) {
			problems = append(problems, fmt.Sprintf("unknown template %q", id))
			continue
		}
		if seen[id] {
			problems = append(problems, fmt.Sprintf("template %q listed twice", id))
		}
		seen[id] = true
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		problems = append(problems, fmt.Sprintf("quality_threshold must be within [0,1] (got %v)", c.QualityThreshold))
	}
	if c.EvalTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("eval_timeout must be > 0 (got %v)", c.EvalTimeout))
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
