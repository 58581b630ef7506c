// Package protocol defines the tool-call envelope and its validator. The
// envelope is the structured description of the actions an agent wants
// executed; nothing downstream (policy, approval, executors) touches a raw
// payload that has not passed Validate.
package protocol

// ProtocolName is the only accepted top-level protocol identifier.
const ProtocolName = "warroom.tool-call"

// MajorVersion is the accepted wire major version ("1.x").
const MajorVersion = 1

const (
	MinCalls     = 1
	MaxCalls     = 20
	MaxArtifacts = 25
)

// Mode controls call ordering within one envelope.
type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

// RiskClass is the caller-declared risk for a call. Policy may raise the
// effective class but never lower it.
type RiskClass string

const (
	RiskLow      RiskClass = "LOW"
	RiskMedium   RiskClass = "MEDIUM"
	RiskHigh     RiskClass = "HIGH"
	RiskCritical RiskClass = "CRITICAL"
)

// riskRank orders classes for max() comparisons.
var riskRank = map[RiskClass]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// MaxRisk returns the higher of two risk classes.
func MaxRisk(a, b RiskClass) RiskClass {
	if riskRank[a] >= riskRank[b] {
		return a
	}
	return b
}

// Approval declares whether the caller intends to present a human approval
// token for a call.
type Approval string

const (
	ApprovalNone  Approval = "NONE"
	ApprovalHuman Approval = "HUMAN_APPROVAL"
)

// ArtifactKind classifies an artifact a call expects to produce.
type ArtifactKind string

const (
	ArtifactLog          ArtifactKind = "LOG"
	ArtifactFile         ArtifactKind = "FILE"
	ArtifactPatch        ArtifactKind = "PATCH"
	ArtifactIssueComment ArtifactKind = "ISSUE_COMMENT"
	ArtifactPR           ArtifactKind = "PR"
)

// ExpectedArtifact names an output the call is expected to leave behind.
type ExpectedArtifact struct {
	Kind ArtifactKind `json:"kind"`
	Hint string       `json:"hint,omitempty"`
}

// Call is one action within an envelope. Immutable once validated.
type Call struct {
	ID                string             `json:"id"`
	Tool              string             `json:"tool"`
	Args              map[string]any     `json:"args"`
	RiskClass         RiskClass          `json:"riskClass"`
	Approval          Approval           `json:"approval,omitempty"`
	ExpectedArtifacts []ExpectedArtifact `json:"expectedArtifacts,omitempty"`
}

// Envelope is the validated tool-call protocol document.
type Envelope struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
	Mode     Mode   `json:"mode"`
	Calls    []Call `json:"calls"`
}
