package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity orders rule outcomes: INFO < WARNING < BLOCK.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityBlock:
		return "BLOCK"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity is the inverse of String.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING":
		return SeverityWarning, nil
	case "BLOCK":
		return SeverityBlock, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Verdict is one rule's outcome for one decision context.
type Verdict struct {
	RuleID   string   `json:"rule_id"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Limit    float64  `json:"limit"`
	Observed float64  `json:"observed"`
	// Fault marks a verdict produced because the rule itself failed.
	Fault bool `json:"fault,omitempty"`
}

// Blocks reports whether the verdict denies the trade.
func (v Verdict) Blocks() bool {
	return v.Severity == SeverityBlock
}

// RiskChecked aggregates every verdict for one context.
type RiskChecked struct {
	Verdicts        []Verdict `json:"verdicts"`
	MostRestrictive Verdict   `json:"most_restrictive"`
	OverallPass     bool      `json:"overall_pass"`
	Blocked         bool      `json:"blocked"`
	TieBreak        string    `json:"tie_break"`
}

// Faults counts verdicts produced by evaluation faults.
func (r RiskChecked) Faults() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Fault {
			n++
		}
	}
	return n
}

// Quality tags for ExplainCreated.
const (
	QualityNormal = "NORMAL"
	QualityLow    = "LOW_QUALITY"
)

// ExplainCreated carries the rendered rationale for a decision.
type ExplainCreated struct {
	TemplateID   string             `json:"template_id"`
	Text         string             `json:"text"`
	Lines        []string           `json:"lines"`
	Slots        map[string]float64 `json:"slots,omitempty"`
	QualityScore float64            `json:"quality_score"`
	Quality      string             `json:"quality"`
	WordCount    int                `json:"word_count"`
	Fault        bool               `json:"fault,omitempty"`
}

// LowQuality reports whether the explanation was flagged for review.
func (e ExplainCreated) LowQuality() bool {
	return e.Quality == QualityLow
}
