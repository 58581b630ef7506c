// Package approval implements the bearer approval token: a signed, single-use
// authorization bound to one exact tool-call envelope via its action
// fingerprint. The codec covers issuance and verification; replay protection
// lives in the store, which records consumption in the same transaction as
// the task mutation the token authorizes.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warroom/warroom/internal/protocol"
)

// TokenPrefix identifies the wire format: wrtoa1.<payload>.<signature>.
const TokenPrefix = "wrtoa1"

// Verification failure codes.
const (
	CodeTokenFormat      = "TOKEN_FORMAT"
	CodeTokenPrefix      = "TOKEN_PREFIX"
	CodeTokenPayload     = "TOKEN_PAYLOAD"
	CodeTokenSignature   = "TOKEN_SIGNATURE"
	CodeTokenFingerprint = "TOKEN_FINGERPRINT_MISMATCH"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenReplay      = "TOKEN_REPLAY"
)

// Payload is the signed token body. Times are unix seconds.
type Payload struct {
	V                 int    `json:"v"`
	TokenID           string `json:"tokenId"`
	ApproverUserID    string `json:"approverUserId"`
	ApproverEmail     string `json:"approverEmail"`
	ActionFingerprint string `json:"actionFingerprint"`
	IssuedAt          int64  `json:"issuedAt"`
	ExpiresAt         int64  `json:"expiresAt"`
}

// Denial explains a failed verification.
type Denial struct {
	Code   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

// Fingerprint hashes the semantic content of an envelope. The projection is
// marshaled from maps, so encoding/json's key sorting makes the result stable
// regardless of the key order the caller originally sent.
func Fingerprint(env *protocol.Envelope) string {
	calls := make([]map[string]any, 0, len(env.Calls))
	for _, call := range env.Calls {
		calls = append(calls, map[string]any{
			"id":        call.ID,
			"tool":      call.Tool,
			"args":      call.Args,
			"riskClass": string(call.RiskClass),
			"approval":  string(call.Approval),
		})
	}
	projection := map[string]any{
		"protocol": env.Protocol,
		"version":  env.Version,
		"mode":     string(env.Mode),
		"calls":    calls,
	}
	canonical, err := json.Marshal(projection)
	if err != nil {
		// Envelope content is already-validated JSON; this cannot fail for
		// real envelopes, but a stable non-empty value keeps callers simple.
		canonical = []byte(err.Error())
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Codec signs and verifies tokens with a shared HMAC-SHA256 secret.
type Codec struct {
	secret []byte
}

func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("approval secret must be at least 16 bytes")
	}
	return &Codec{secret: secret}, nil
}

// Issue produces a token for the given approver bound to actionFingerprint.
func (c *Codec) Issue(approverUserID, approverEmail, actionFingerprint string, now time.Time, ttl time.Duration) (string, Payload, error) {
	if actionFingerprint == "" {
		return "", Payload{}, fmt.Errorf("action fingerprint required")
	}
	if ttl <= 0 {
		return "", Payload{}, fmt.Errorf("token ttl must be positive")
	}
	payload := Payload{
		V:                 1,
		TokenID:           uuid.NewString(),
		ApproverUserID:    approverUserID,
		ApproverEmail:     approverEmail,
		ActionFingerprint: actionFingerprint,
		IssuedAt:          now.Unix(),
		ExpiresAt:         now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, fmt.Errorf("marshal token payload: %w", err)
	}
	segment := base64.RawURLEncoding.EncodeToString(body)
	sig := base64.RawURLEncoding.EncodeToString(c.sign(segment))
	return TokenPrefix + "." + segment + "." + sig, payload, nil
}

// Verify checks format, signature, fingerprint binding, and expiry. The
// caller must additionally consult the consumed-token audit trail before
// trusting the payload (replay protection).
func (c *Codec) Verify(token, expectedFingerprint string, now time.Time) (*Payload, *Denial) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, &Denial{Code: CodeTokenFormat, Reason: "token must have three dot-separated segments"}
	}
	if parts[0] != TokenPrefix {
		return nil, &Denial{Code: CodeTokenPrefix, Reason: fmt.Sprintf("unknown token prefix %q", parts[0])}
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, &Denial{Code: CodeTokenPayload, Reason: "payload segment is not valid base64url"}
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, &Denial{Code: CodeTokenSignature, Reason: "signature segment is not valid base64url"}
	}
	if !hmac.Equal(sig, c.sign(parts[1])) {
		return nil, &Denial{Code: CodeTokenSignature, Reason: "signature mismatch"}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &Denial{Code: CodeTokenPayload, Reason: "payload is not valid JSON"}
	}
	if payload.V != 1 || payload.TokenID == "" {
		return nil, &Denial{Code: CodeTokenPayload, Reason: "payload missing version or token id"}
	}
	if payload.ActionFingerprint != expectedFingerprint {
		return nil, &Denial{
			Code:   CodeTokenFingerprint,
			Reason: "token is bound to a different action fingerprint",
		}
	}
	if now.Unix() > payload.ExpiresAt {
		return nil, &Denial{Code: CodeTokenExpired, Reason: "token has expired"}
	}
	return &payload, nil
}

func (c *Codec) sign(segment string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(segment))
	return mac.Sum(nil)
}
