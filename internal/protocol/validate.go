package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Violation describes why an envelope was rejected. Code is stable and
// machine-readable; Reason is for humans and audit rows.
type Violation struct {
	Code   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Reason)
}

// Violation codes returned by Validate.
const (
	CodeEnvelopeMalformed   = "ENVELOPE_MALFORMED"
	CodeSchemaViolation     = "SCHEMA_VIOLATION"
	CodeProtocolMismatch    = "PROTOCOL_MISMATCH"
	CodeVersionUnsupported  = "VERSION_UNSUPPORTED"
	CodeModeInvalid         = "MODE_INVALID"
	CodeCallCountOutOfRange = "CALL_COUNT_OUT_OF_RANGE"
	CodeCallIDInvalid       = "CALL_ID_INVALID"
	CodeCallIDDuplicate     = "CALL_ID_DUPLICATE"
	CodeToolNameInvalid     = "TOOL_NAME_INVALID"
	CodeArgsNotObject       = "ARGS_NOT_OBJECT"
	CodeRiskClassInvalid    = "RISK_CLASS_INVALID"
	CodeApprovalInvalid     = "APPROVAL_INVALID"
	CodeArtifactsOutOfRange = "ARTIFACTS_OUT_OF_RANGE"
	CodeArtifactKindInvalid = "ARTIFACT_KIND_INVALID"
)

var (
	callIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)
	toolPattern   = regexp.MustCompile(`^[a-z][a-z0-9_.-]{1,63}$`)
)

// envelopeSchema catches the structural shape; the regex/enum/bounds checks
// below produce the precise per-field codes the audit log needs.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["protocol", "version", "mode", "calls"],
	"properties": {
		"protocol": {"type": "string"},
		"version": {"type": "string"},
		"mode": {"type": "string"},
		"calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "tool", "args", "riskClass"],
				"properties": {
					"id": {"type": "string"},
					"tool": {"type": "string"},
					"args": {"type": "object"},
					"riskClass": {"type": "string"},
					"approval": {"type": "string"},
					"expectedArtifacts": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["kind"],
							"properties": {
								"kind": {"type": "string"},
								"hint": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			schemaErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("envelope.json")
	})
	return compiledSchema, schemaErr
}

// Validate checks a raw envelope document and returns the typed envelope or
// a single violation. It never panics and inspects the calls in order, so
// the first offending call determines the reported violation.
func Validate(raw []byte) (*Envelope, *Violation) {
	if len(raw) == 0 {
		return nil, &Violation{Code: CodeEnvelopeMalformed, Reason: "empty envelope document"}
	}

	schema, err := compiled()
	if err != nil {
		return nil, &Violation{Code: CodeSchemaViolation, Reason: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, &Violation{Code: CodeEnvelopeMalformed, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &Violation{Code: CodeSchemaViolation, Reason: err.Error()}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Violation{Code: CodeEnvelopeMalformed, Reason: fmt.Sprintf("decode envelope: %v", err)}
	}

	if env.Protocol != ProtocolName {
		return nil, &Violation{
			Code:   CodeProtocolMismatch,
			Reason: fmt.Sprintf("protocol %q is not %q", env.Protocol, ProtocolName),
		}
	}
	if major, ok := parseMajor(env.Version); !ok || major != MajorVersion {
		return nil, &Violation{
			Code:   CodeVersionUnsupported,
			Reason: fmt.Sprintf("version %q is not a supported %d.x version", env.Version, MajorVersion),
		}
	}
	if env.Mode != ModeSequential && env.Mode != ModeParallel {
		return nil, &Violation{
			Code:   CodeModeInvalid,
			Reason: fmt.Sprintf("mode %q must be SEQUENTIAL or PARALLEL", env.Mode),
		}
	}
	if len(env.Calls) < MinCalls || len(env.Calls) > MaxCalls {
		return nil, &Violation{
			Code:   CodeCallCountOutOfRange,
			Reason: fmt.Sprintf("envelope has %d calls, allowed range is %d-%d", len(env.Calls), MinCalls, MaxCalls),
		}
	}

	seenIDs := make(map[string]bool, len(env.Calls))
	for i := range env.Calls {
		call := &env.Calls[i]
		if !callIDPattern.MatchString(call.ID) {
			return nil, &Violation{
				Code:   CodeCallIDInvalid,
				Reason: fmt.Sprintf("call %d id %q does not match %s", i, call.ID, callIDPattern.String()),
			}
		}
		if seenIDs[call.ID] {
			return nil, &Violation{
				Code:   CodeCallIDDuplicate,
				Reason: fmt.Sprintf("call id %q appears more than once", call.ID),
			}
		}
		seenIDs[call.ID] = true
		if !toolPattern.MatchString(call.Tool) {
			return nil, &Violation{
				Code:   CodeToolNameInvalid,
				Reason: fmt.Sprintf("call %q tool %q does not match %s", call.ID, call.Tool, toolPattern.String()),
			}
		}
		if call.Args == nil {
			return nil, &Violation{
				Code:   CodeArgsNotObject,
				Reason: fmt.Sprintf("call %q args must be a JSON object", call.ID),
			}
		}
		switch call.RiskClass {
		case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		default:
			return nil, &Violation{
				Code:   CodeRiskClassInvalid,
				Reason: fmt.Sprintf("call %q riskClass %q is not LOW/MEDIUM/HIGH/CRITICAL", call.ID, call.RiskClass),
			}
		}
		switch call.Approval {
		case ApprovalNone, ApprovalHuman:
		case "":
			call.Approval = ApprovalNone
		default:
			return nil, &Violation{
				Code:   CodeApprovalInvalid,
				Reason: fmt.Sprintf("call %q approval %q is not NONE/HUMAN_APPROVAL", call.ID, call.Approval),
			}
		}
		if len(call.ExpectedArtifacts) > MaxArtifacts {
			return nil, &Violation{
				Code:   CodeArtifactsOutOfRange,
				Reason: fmt.Sprintf("call %q declares %d artifacts, max is %d", call.ID, len(call.ExpectedArtifacts), MaxArtifacts),
			}
		}
		for _, artifact := range call.ExpectedArtifacts {
			switch artifact.Kind {
			case ArtifactLog, ArtifactFile, ArtifactPatch, ArtifactIssueComment, ArtifactPR:
			default:
				return nil, &Violation{
					Code:   CodeArtifactKindInvalid,
					Reason: fmt.Sprintf("call %q artifact kind %q is not LOG/FILE/PATCH/ISSUE_COMMENT/PR", call.ID, artifact.Kind),
				}
			}
		}
	}

	return &env, nil
}

func parseMajor(version string) (int, bool) {
	head, _, found := strings.Cut(version, ".")
	if !found {
		return 0, false
	}
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return major, true
}
