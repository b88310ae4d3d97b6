package redact

import "testing"

func TestRedactMasksEmail(t *testing.T) {
	r := Default()
	out := r.Redact("contact me at jane.doe@example.com please")
	if r.Contains(out) {
		t.Fatalf("expected no PII pattern to match output, got %q", out)
	}
	if out == "contact me at jane.doe@example.com please" {
		t.Fatal("expected email to be redacted")
	}
}

func TestRedactIsIdempotent(t *testing.T) {
	r := Default()
	input := "card 4111 1111 1111 1111, ssn 123-45-6789, email a@b.com"
	once := r.Redact(input)
	twice := r.Redact(once)
	if once != twice {
		t.Fatalf("redact not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestRedactCustomForbiddenPattern(t *testing.T) {
	r := New(append(DefaultPatterns(), NewPattern("secret", `hunter2`, "[REDACTED]")))
	out := r.Redact("my password is hunter2")
	if out != "my password is [REDACTED]" {
		t.Fatalf("unexpected redaction: %q", out)
	}
}

func TestRedactEmptyStringNoError(t *testing.T) {
	r := Default()
	if got := r.Redact(""); got != "" {
		t.Fatalf("expected empty string unchanged, got %q", got)
	}
}

func TestRedactOrdersLongestPatternFirst(t *testing.T) {
	r := New([]Pattern{
		NewPattern("short", `foo`, "[SHORT]"),
		NewPattern("long", `foobar`, "[LONG]"),
	})
	if r.patterns[0].Name != "long" {
		t.Fatalf("expected longest pattern first, got order starting with %q", r.patterns[0].Name)
	}
}
