// Package skill defines skill templates (§3 "Skill definition") and the
// literal {param} prompt substitution used by the router's template
// resolution. The automation engine expands its templateParams with its
// own event-template code, not with Resolve.
package skill

import (
	"log/slog"
	"strings"
)

// Strategy is the routing strategy a skill is dispatched under (§4.F).
type Strategy string

// Supported strategies.
const (
	StrategySingle        Strategy = "single"
	StrategyRace          Strategy = "race"
	StrategyFanOut        Strategy = "fan-out"
	StrategyConsensus     Strategy = "consensus"
	StrategyFallback      Strategy = "fallback"
	StrategyCostOptimized Strategy = "cost-optimized"
	StrategyEvaluate      Strategy = "evaluate"
)

// Skill is a persisted, parameterised prompt template (§3).
type Skill struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	PromptTemplate  string   `json:"promptTemplate"`
	TargetAgents    []string `json:"targetAgents,omitempty"`
	TargetTags      []string `json:"targetTags,omitempty"`
	Strategy        Strategy `json:"strategy"`
	ModelPreferences []string `json:"modelPreferences,omitempty"`
	MaxTokens       int      `json:"maxTokens,omitempty"`
	TimeoutMs       int      `json:"timeoutMs,omitempty"`
	MergeResults    bool     `json:"mergeResults,omitempty"`
	Version         int      `json:"version,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	SynthesizerTags []string `json:"synthesizerTags,omitempty"`
	QualityThreshold float64 `json:"qualityThreshold,omitempty"`
	FallbackOnEmpty bool     `json:"fallbackOnEmpty,omitempty"`
}

// Resolve substitutes every {key} placeholder in tmpl with params[key].
// Missing params substitute the empty string and are logged, per §4.F
// step 2 / §9 "Template substitution": this is a literal string
// replacement, never a printf-style format.
func Resolve(tmpl string, params map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		close += open
		b.WriteString(tmpl[i:open])
		key := tmpl[open+1 : close]
		val, ok := params[key]
		if !ok {
			slog.Warn("skill template: missing param, substituting empty string", "key", key)
		}
		b.WriteString(val)
		i = close + 1
	}
	return b.String()
}
