package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// defaultProtectedBranches are refused as mutation targets by the git
// executor unless the operator overrides the set.
var defaultProtectedBranches = []string{"main", "master", "production"}

// FileRule is an operator-supplied deny pattern from policy.yaml.
type FileRule struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
}

// FilePolicy is the serializable operator policy.
type FilePolicy struct {
	DenyPatterns      []FileRule `yaml:"deny_patterns"`
	ProtectedBranches []string   `yaml:"protected_branches"`
}

// Default returns the built-in operator policy (no extra rules, default
// protected branch set).
func Default() FilePolicy {
	return FilePolicy{ProtectedBranches: append([]string(nil), defaultProtectedBranches...)}
}

// Load reads policy.yaml. A missing or empty file yields the default policy;
// a file that fails to parse or compile is an error so a bad reload never
// weakens the active policy.
func Load(path string) (FilePolicy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return FilePolicy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p FilePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return FilePolicy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return FilePolicy{}, err
	}
	if len(p.ProtectedBranches) == 0 {
		p.ProtectedBranches = append([]string(nil), defaultProtectedBranches...)
	}
	return p, nil
}

func (p FilePolicy) validate() error {
	for _, rule := range p.DenyPatterns {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("deny pattern with empty id")
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("deny pattern %q: %w", rule.ID, err)
		}
	}
	for _, branch := range p.ProtectedBranches {
		if strings.TrimSpace(branch) == "" {
			return fmt.Errorf("empty protected branch name")
		}
	}
	return nil
}

// LivePolicy wraps a FilePolicy with thread-safe reload. Mutation paths keep
// the previous snapshot when a reload fails.
type LivePolicy struct {
	mu        sync.RWMutex
	extra     []denyRule
	protected map[string]bool
}

// NewLivePolicy compiles an initial snapshot.
func NewLivePolicy(initial FilePolicy) *LivePolicy {
	lp := &LivePolicy{}
	lp.Reload(initial)
	return lp
}

// Reload replaces the active snapshot. The FilePolicy must already have
// passed Load validation; compile errors here are silently skipped.
func (lp *LivePolicy) Reload(p FilePolicy) {
	extra := make([]denyRule, 0, len(p.DenyPatterns))
	for _, rule := range p.DenyPatterns {
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		extra = append(extra, denyRule{id: rule.ID, pattern: compiled})
	}
	protected := make(map[string]bool, len(p.ProtectedBranches))
	for _, branch := range p.ProtectedBranches {
		protected[strings.ToLower(strings.TrimSpace(branch))] = true
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.extra = extra
	lp.protected = protected
}

// ReloadFromFile updates the live policy only when the file parses and
// validates; on error the previous policy remains active.
func (lp *LivePolicy) ReloadFromFile(path string) error {
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

// IsProtectedBranch reports whether branch is refused as a mutation target.
func (lp *LivePolicy) IsProtectedBranch(branch string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.protected[strings.ToLower(strings.TrimSpace(branch))]
}

func (lp *LivePolicy) matchExtraDeny(command string) (string, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	for _, rule := range lp.extra {
		if rule.pattern.MatchString(command) {
			return rule.id, true
		}
	}
	return "", false
}
