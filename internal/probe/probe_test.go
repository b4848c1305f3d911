package probe

import (
	"net/http"
	"testing"
)

func TestDetailValidate_QuotaWindowRequiresWindowKind(t *testing.T) {
	d := Detail{Name: "Primary", DetailType: DetailQuotaWindow, WindowKind: WindowNone}
	if err := d.Validate(); err == nil {
		t.Fatal("expected contract violation for QuotaWindow with WindowNone")
	}
}

func TestDetailValidate_NonQuotaWindowMustNotCarryWindowKind(t *testing.T) {
	d := Detail{Name: "Credits", DetailType: DetailCredit, WindowKind: WindowPrimary}
	if err := d.Validate(); err == nil {
		t.Fatal("expected contract violation for Credit detail carrying a window kind")
	}
}

func TestDetailValidate_EmptyNameRejected(t *testing.T) {
	d := Detail{DetailType: DetailOther, WindowKind: WindowNone}
	if err := d.Validate(); err == nil {
		t.Fatal("expected contract violation for empty name")
	}
}

func TestDetailValidate_OK(t *testing.T) {
	d := Detail{Name: "Primary", DetailType: DetailQuotaWindow, WindowKind: WindowPrimary}
	if err := d.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateDetailContract_DowngradesOnViolation(t *testing.T) {
	u := Usage{
		ProviderID:  "acme",
		IsAvailable: true,
		Details: []Detail{
			{Name: "Primary", DetailType: DetailQuotaWindow, WindowKind: WindowNone},
		},
	}
	got := ValidateDetailContract(u)
	if got.IsAvailable {
		t.Fatal("expected usage to be downgraded to unavailable")
	}
	if got.Description == "" {
		t.Fatal("expected a description explaining the violation")
	}
}

func TestRawObject_FirstStringCoercesNumberAndBool(t *testing.T) {
	r := RawObject{"count": float64(42), "flag": true}
	if got := r.FirstString("missing", "count"); got != "42" {
		t.Fatalf("FirstString(count) = %q, want 42", got)
	}
	if got := r.FirstString("flag"); got != "true" {
		t.Fatalf("FirstString(flag) = %q, want true", got)
	}
}

func TestRawObject_FirstNumberAcceptsStringOrFloat(t *testing.T) {
	r := RawObject{"limit": "123.5"}
	n, ok := r.FirstNumber("limit")
	if !ok || n != 123.5 {
		t.Fatalf("FirstNumber = (%v, %v), want (123.5, true)", n, ok)
	}
}

func TestFindFirstEmail_RecursiveScan(t *testing.T) {
	payload := map[string]interface{}{
		"nested": map[string]interface{}{
			"list": []interface{}{"no-match", "user@example.com"},
		},
	}
	email, ok := FindFirstEmail(payload)
	if !ok || email != "user@example.com" {
		t.Fatalf("FindFirstEmail = (%q, %v), want user@example.com", email, ok)
	}
}

func TestResolveIdentity_FallsBackThroughOrder(t *testing.T) {
	got := ResolveIdentity(map[string]interface{}{"x": 1}, nil, "", "", "acct-123")
	if got != "acct-123" {
		t.Fatalf("ResolveIdentity fallback = %q, want acct-123", got)
	}
}

func TestStripANSI_RemovesEscapeSequences(t *testing.T) {
	in := "\x1b[31mTokens used: 1234\x1b[0m"
	if got := StripANSI(in); got != "Tokens used: 1234" {
		t.Fatalf("StripANSI = %q", got)
	}
}

func TestExtractLabeledNumber(t *testing.T) {
	n, ok := ExtractLabeledNumber("Tokens used: 1234.5", "tokens used")
	if !ok || n != 1234.5 {
		t.Fatalf("ExtractLabeledNumber = (%v, %v), want (1234.5, true)", n, ok)
	}
}

func TestRateLimitHeaders_FiltersAndBounds(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "10")
	h.Set("Retry-After", "30")
	h.Set("Content-Type", "application/json")
	resp := &http.Response{Header: h}

	entries := RateLimitHeaders(resp)
	if len(entries) != 2 {
		t.Fatalf("expected 2 rate-limit entries, got %d: %v", len(entries), entries)
	}
}
