package risk

import (
	"slices"
	"strings"

	"audit-core/internal/events"
)

// TieBreak orders verdicts of equal severity during reduction.
type TieBreak struct {
	Policy   string
	Priority []string
}

// Ordering returns the tie-break described by the config.
func (c Config) Ordering() TieBreak {
	return TieBreak{Policy: c.TieBreak, Priority: append([]string(nil), c.Priority...)}
}

// rank returns the position of id in the priority list, or len(Priority) when
// the id is not listed. External verdicts rank by their unprefixed id.
func (tb TieBreak) rank(id string) int {
	if i := slices.Index(tb.Priority, id); i >= 0 {
		return i
	}
	if i := slices.Index(tb.Priority, strings.TrimPrefix(id, ExternalPrefix)); i >= 0 {
		return i
	}
	return len(tb.Priority)
}

// wins reports whether candidate (at declaration index ci) beats current
// (at index cur) for the most-restrictive slot.
func (tb TieBreak) wins(candidate events.Verdict, ci int, current events.Verdict, cur int) bool {
	if candidate.Severity != current.Severity {
		return candidate.Severity > current.Severity
	}
	if tb.Policy == TieBreakPriority {
		rc, rr := tb.rank(candidate.RuleID), tb.rank(current.RuleID)
		if rc != rr {
			return rc < rr
		}
	}
	return ci < cur
}

// Reduce aggregates verdicts (in declaration order) into a RiskChecked.
// A verdict claiming to pass at BLOCK severity is counted as failed.
func Reduce(verdicts []events.Verdict, tb TieBreak) events.RiskChecked {
	verdicts = normalize(verdicts)
	out := events.RiskChecked{
		Verdicts:    verdicts,
		OverallPass: true,
		TieBreak:    tb.Policy,
	}
	if out.TieBreak == "" {
		out.TieBreak = TieBreakDeclaration
	}

	anyFailed := false
	for _, v := range verdicts {
		if !v.Passed {
			out.OverallPass = false
			anyFailed = true
		}
	}

	best := -1
	for i, v := range verdicts {
		if anyFailed && v.Passed {
			continue
		}
		if best < 0 || tb.wins(v, i, verdicts[best], best) {
			best = i
		}
	}
	if best >= 0 {
		out.MostRestrictive = verdicts[best]
	}
	out.Blocked = best >= 0 && out.MostRestrictive.Blocks()
	return out
}

func normalize(verdicts []events.Verdict) []events.Verdict {
	if !slices.ContainsFunc(verdicts, passedBlock) {
		return verdicts
	}
	out := slices.Clone(verdicts)
	for i := range out {
		if passedBlock(out[i]) {
			out[i].Passed = false
		}
	}
	return out
}

func passedBlock(v events.Verdict) bool {
	return v.Passed && v.Severity == events.SeverityBlock
}

// Combine returns checked with external appended as the last declared verdict
// and the reduction recomputed. A nil external leaves checked unchanged.
func Combine(checked events.RiskChecked, external *events.Verdict, tb TieBreak) events.RiskChecked {
	if external == nil {
		return checked
	}
	ext := *external
	if !strings.HasPrefix(ext.RuleID, ExternalPrefix) {
		ext.RuleID = ExternalPrefix + ext.RuleID
	}
	verdicts := make([]events.Verdict, 0, len(checked.Verdicts)+1)
	verdicts = append(verdicts, checked.Verdicts...)
	verdicts = append(verdicts, ext)
	return Reduce(verdicts, tb)
}
