package approval_test

import (
	"strings"
	"testing"
	"time"

	"github.com/warroom/warroom/internal/approval"
	"github.com/warroom/warroom/internal/protocol"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func sampleEnvelope() *protocol.Envelope {
	return &protocol.Envelope{
		Protocol: protocol.ProtocolName,
		Version:  "1.0",
		Mode:     protocol.ModeSequential,
		Calls: []protocol.Call{
			{
				ID:        "c1",
				Tool:      "filesystem.write",
				Args:      map[string]any{"path": "notes.txt", "content": "hi", "overwrite": true},
				RiskClass: protocol.RiskHigh,
				Approval:  protocol.ApprovalHuman,
			},
		},
	}
}

func TestFingerprint_StableAcrossArgKeyOrder(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	// Rebuild args in a different insertion order.
	b.Calls[0].Args = map[string]any{"overwrite": true, "content": "hi", "path": "notes.txt"}
	if approval.Fingerprint(a) != approval.Fingerprint(b) {
		t.Fatalf("fingerprint must not depend on key order")
	}
}

func TestFingerprint_SensitiveToContent(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	b.Calls[0].Args["content"] = "different"
	if approval.Fingerprint(a) == approval.Fingerprint(b) {
		t.Fatalf("fingerprint must change with call content")
	}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	codec, err := approval.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	fp := approval.Fingerprint(sampleEnvelope())

	token, issued, err := codec.Issue("u-123", "approver@example.com", fp, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(token, approval.TokenPrefix+".") {
		t.Fatalf("wire format must start with prefix: %q", token)
	}

	payload, denial := codec.Verify(token, fp, now.Add(time.Minute))
	if denial != nil {
		t.Fatalf("verify: %v", denial)
	}
	if payload.TokenID != issued.TokenID || payload.ApproverEmail != "approver@example.com" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestVerify_Failures(t *testing.T) {
	codec, _ := approval.NewCodec(testSecret)
	now := time.Unix(1_700_000_000, 0)
	fp := approval.Fingerprint(sampleEnvelope())
	token, _, err := codec.Issue("u-123", "a@b.c", fp, now, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, d := codec.Verify("garbage", fp, now); d == nil || d.Code != approval.CodeTokenFormat {
		t.Fatalf("expected TOKEN_FORMAT, got %v", d)
	}
	if _, d := codec.Verify("xxtoa1."+strings.SplitN(token, ".", 2)[1], fp, now); d == nil || d.Code != approval.CodeTokenPrefix {
		t.Fatalf("expected TOKEN_PREFIX, got %v", d)
	}

	// Tampered payload segment fails the signature check.
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1][:len(parts[1])-2] + "AA" + "." + parts[2]
	if _, d := codec.Verify(tampered, fp, now); d == nil || d.Code != approval.CodeTokenSignature {
		t.Fatalf("expected TOKEN_SIGNATURE, got %v", d)
	}

	// Wrong fingerprint.
	if _, d := codec.Verify(token, "deadbeef", now); d == nil || d.Code != approval.CodeTokenFingerprint {
		t.Fatalf("expected TOKEN_FINGERPRINT_MISMATCH, got %v", d)
	}

	// Expired.
	if _, d := codec.Verify(token, fp, now.Add(2*time.Minute)); d == nil || d.Code != approval.CodeTokenExpired {
		t.Fatalf("expected TOKEN_EXPIRED, got %v", d)
	}

	// A different secret never verifies.
	other, _ := approval.NewCodec([]byte("ffffffffffffffffffffffffffffffff"))
	if _, d := other.Verify(token, fp, now); d == nil || d.Code != approval.CodeTokenSignature {
		t.Fatalf("expected TOKEN_SIGNATURE with foreign secret, got %v", d)
	}
}

func TestNewCodec_RejectsShortSecret(t *testing.T) {
	if _, err := approval.NewCodec([]byte("short")); err == nil {
		t.Fatalf("short secret must be rejected")
	}
}
