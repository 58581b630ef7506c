// Package policy implements the command policy engine: per-call risk
// classification, approval requirements, and hard deny rules for shell
// commands. The engine never silently escalates approval — a call that needs
// human approval but does not declare it is denied outright.
package policy

import (
	"fmt"
	"strings"

	"github.com/warroom/warroom/internal/protocol"
)

// Class is the policy category a tool belongs to.
type Class string

const (
	ClassChat               Class = "CHAT"
	ClassFilesystemRead     Class = "FILESYSTEM_READ"
	ClassFilesystemMutation Class = "FILESYSTEM_MUTATION"
	ClassGitRead            Class = "GIT_READ"
	ClassGitMutation        Class = "GIT_MUTATION"
	ClassShellExecution     Class = "SHELL_EXECUTION"
	ClassUnknown            Class = "UNKNOWN"
)

// family is the policy profile for one tool family.
type family struct {
	class            Class
	riskFloor        protocol.RiskClass
	requiresApproval bool
}

// toolFamilies maps every known tool name to its policy profile.
var toolFamilies = map[string]family{
	"chat.respond": {class: ClassChat, riskFloor: protocol.RiskLow},

	"filesystem.read":   {class: ClassFilesystemRead, riskFloor: protocol.RiskMedium},
	"filesystem.list":   {class: ClassFilesystemRead, riskFloor: protocol.RiskMedium},
	"filesystem.stat":   {class: ClassFilesystemRead, riskFloor: protocol.RiskMedium},
	"filesystem.search": {class: ClassFilesystemRead, riskFloor: protocol.RiskMedium},

	"filesystem.write":  {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"filesystem.edit":   {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"filesystem.delete": {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"filesystem.mkdir":  {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"filesystem.move":   {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"filesystem.copy":   {class: ClassFilesystemMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},

	"git.status":      {class: ClassGitRead, riskFloor: protocol.RiskMedium},
	"git.log":         {class: ClassGitRead, riskFloor: protocol.RiskMedium},
	"git.diff":        {class: ClassGitRead, riskFloor: protocol.RiskMedium},
	"git.branch.list": {class: ClassGitRead, riskFloor: protocol.RiskMedium},

	"git.add":      {class: ClassGitMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"git.commit":   {class: ClassGitMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"git.checkout": {class: ClassGitMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"git.push":     {class: ClassGitMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},
	"git.pr.create": {class: ClassGitMutation, riskFloor: protocol.RiskHigh, requiresApproval: true},

	"shell.exec": {class: ClassShellExecution, riskFloor: protocol.RiskCritical, requiresApproval: true},
}

// Decision is the per-call outcome. Reason is human-readable and goes to the
// audit log verbatim.
type Decision struct {
	CallID             string
	Tool               string
	PolicyClass        Class
	RiskClass          protocol.RiskClass
	EffectiveRiskClass protocol.RiskClass
	RequiresApproval   bool
	Allowed            bool
	RuleID             string
	Reason             string
}

// Evaluation is the envelope-level outcome.
type Evaluation struct {
	Allowed          bool
	RequiresApproval bool
	HighestRiskClass protocol.RiskClass
	Decisions        []Decision
}

// DenyReason returns the first denied call's reason, or "" when allowed.
func (ev Evaluation) DenyReason() string {
	for _, d := range ev.Decisions {
		if !d.Allowed {
			return d.Reason
		}
	}
	return ""
}

// Engine evaluates envelopes against the built-in families and deny rules
// plus any operator-supplied extras loaded from policy.yaml.
type Engine struct {
	live *LivePolicy
}

// NewEngine returns an engine. live may be nil, meaning built-ins only.
func NewEngine(live *LivePolicy) *Engine {
	return &Engine{live: live}
}

// Evaluate inspects every call of a validated envelope. The envelope is
// allowed only when no call is denied; requiresApproval is true when any
// call requires it.
func (e *Engine) Evaluate(env *protocol.Envelope) Evaluation {
	eval := Evaluation{Allowed: true, HighestRiskClass: protocol.RiskLow}
	for _, call := range env.Calls {
		decision := e.evaluateCall(call)
		eval.HighestRiskClass = protocol.MaxRisk(eval.HighestRiskClass, decision.EffectiveRiskClass)
		if decision.RequiresApproval {
			eval.RequiresApproval = true
		}
		if !decision.Allowed {
			eval.Allowed = false
		}
		eval.Decisions = append(eval.Decisions, decision)
	}
	return eval
}

func (e *Engine) evaluateCall(call protocol.Call) Decision {
	fam, known := toolFamilies[call.Tool]
	if !known {
		return Decision{
			CallID:             call.ID,
			Tool:               call.Tool,
			PolicyClass:        ClassUnknown,
			RiskClass:          call.RiskClass,
			EffectiveRiskClass: protocol.RiskCritical,
			RequiresApproval:   true,
			Allowed:            false,
			RuleID:             "UNKNOWN_TOOL",
			Reason:             fmt.Sprintf("tool %q is not registered with the policy engine", call.Tool),
		}
	}

	decision := Decision{
		CallID:             call.ID,
		Tool:               call.Tool,
		PolicyClass:        fam.class,
		RiskClass:          call.RiskClass,
		EffectiveRiskClass: protocol.MaxRisk(call.RiskClass, fam.riskFloor),
		RequiresApproval:   fam.requiresApproval,
		Allowed:            true,
	}

	// Shell deny rules win over everything, approval included.
	if fam.class == ClassShellExecution {
		command := commandArg(call)
		if ruleID, matched := e.matchDeny(command); matched {
			decision.Allowed = false
			decision.RuleID = ruleID
			decision.Reason = fmt.Sprintf("command matches deny rule %s and cannot be approved", ruleID)
			return decision
		}
	}

	if fam.requiresApproval && call.Approval != protocol.ApprovalHuman {
		decision.Allowed = false
		decision.RuleID = "APPROVAL_NOT_DECLARED"
		decision.Reason = fmt.Sprintf(
			"tool %q requires HUMAN_APPROVAL but the call declares approval=%s", call.Tool, call.Approval)
		return decision
	}

	decision.Reason = fmt.Sprintf("allowed as %s at effective risk %s", fam.class, decision.EffectiveRiskClass)
	return decision
}

func (e *Engine) matchDeny(command string) (string, bool) {
	for _, rule := range builtinDenyRules {
		if rule.pattern.MatchString(command) {
			return rule.id, true
		}
	}
	if e.live != nil {
		if id, ok := e.live.matchExtraDeny(command); ok {
			return id, true
		}
	}
	return "", false
}

func commandArg(call protocol.Call) string {
	if raw, ok := call.Args["command"]; ok {
		if s, ok := raw.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
