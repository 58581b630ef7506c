// Package dlp implements the output data-loss-prevention filter. Every
// component that emits text outside the process (tool output, audit rows,
// log lines) runs it through Apply before the text leaves the core.
//
// Apply is a pure function: identical input and mode always produce
// byte-identical output, the same match count, and the same rule-ID ordering.
package dlp

import (
	"fmt"
	"regexp"
)

// Mode selects the filter behavior.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeRedact Mode = "redact"
	ModeDeny   Mode = "deny"
)

// Action is the outcome of a filter pass.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionRedact Action = "REDACT"
	ActionBlock  Action = "BLOCK"
)

const (
	redactedPlaceholder = "[REDACTED]"
	// Deny mode discards the content entirely; the marker keeps the match
	// count so operators can see how much was withheld.
	blockedMarkerFormat = "[DLP_BLOCKED:%d]"
)

// Result carries the filtered text plus match accounting.
type Result struct {
	Text       string
	Action     Action
	MatchCount int
	RuleIDs    []string
}

// Rule is a single named redaction pattern. KeepPrefix rules preserve the
// first capture group (the key and separator) and redact only the value.
type Rule struct {
	ID         string
	Pattern    *regexp.Regexp
	KeepPrefix bool
}

// defaultRules is applied in order. The ordering is part of the determinism
// contract; new rules go at the end.
var defaultRules = []Rule{
	{ID: "github-token-classic", Pattern: regexp.MustCompile(`\bgh[opsu]_[A-Za-z0-9]{36}\b`)},
	{ID: "github-token-fine-grained", Pattern: regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`)},
	{ID: "openai-api-key", Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{ID: "aws-access-key-id", Pattern: regexp.MustCompile(`\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`)},
	{ID: "pem-private-key", Pattern: regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY( BLOCK)?-----.*?-----END [A-Z ]*PRIVATE KEY( BLOCK)?-----`)},
	{ID: "jwt", Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`)},
	{ID: "bearer-token", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-./+=]{16,}`)},
	{ID: "generic-secret", Pattern: regexp.MustCompile(`(?i)\b((?:password|passwd|pwd|secret|secret[_-]?key|token|auth[_-]?token|api[_-]?key|apikey)\s*[:=]\s*)["']?[^\s"']{6,}["']?`), KeepPrefix: true},
}

// Filter applies an ordered rule list in a fixed mode.
type Filter struct {
	mode  Mode
	rules []Rule
}

// New returns a Filter for the given mode using the default rule set.
func New(mode Mode) *Filter {
	return &Filter{mode: mode, rules: defaultRules}
}

// Mode reports the configured mode.
func (f *Filter) Mode() Mode { return f.mode }

// Apply runs the filter over text. Mode off is an exact passthrough.
func (f *Filter) Apply(text string) Result {
	if f.mode == ModeOff {
		return Result{Text: text, Action: ActionAllow}
	}

	matched := 0
	var ruleIDs []string
	seen := make(map[string]bool, len(f.rules))
	out := text
	for _, rule := range f.rules {
		hits := rule.Pattern.FindAllStringIndex(out, -1)
		if len(hits) == 0 {
			continue
		}
		matched += len(hits)
		if !seen[rule.ID] {
			seen[rule.ID] = true
			ruleIDs = append(ruleIDs, rule.ID)
		}
		if rule.KeepPrefix {
			out = rule.Pattern.ReplaceAllString(out, "${1}"+redactedPlaceholder)
		} else {
			out = rule.Pattern.ReplaceAllString(out, redactedPlaceholder)
		}
	}

	if matched == 0 {
		return Result{Text: text, Action: ActionAllow}
	}
	if f.mode == ModeDeny {
		return Result{
			Text:       fmt.Sprintf(blockedMarkerFormat, matched),
			Action:     ActionBlock,
			MatchCount: matched,
			RuleIDs:    ruleIDs,
		}
	}
	return Result{Text: out, Action: ActionRedact, MatchCount: matched, RuleIDs: ruleIDs}
}

// Redact is the shared helper used by logging and audit paths. It always
// redacts in place regardless of the orchestrator's configured mode, so
// secrets never reach durable logs even when the output filter is off.
func Redact(text string) string {
	if text == "" {
		return text
	}
	return New(ModeRedact).Apply(text).Text
}

// ParseMode maps a config string to a Mode, defaulting to redact.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeOff, ModeRedact, ModeDeny:
		return Mode(raw), nil
	case "":
		return ModeRedact, nil
	}
	return "", fmt.Errorf("unknown dlp mode %q (supported: off, redact, deny)", raw)
}
