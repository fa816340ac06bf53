package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKeyAssignment(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_UUIDToken(t *testing.T) {
	input := "token=123e4567-e89b-12d3-a456-426614174000"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestSensitiveKey(t *testing.T) {
	cases := []struct {
		key    string
		expect bool
	}{
		{"AVIARY_API_KEY", true},
		{"auth_token", true},
		{"password", true},
		{"Authorization", true},
		{"credential_file", true},
		{"BIND_ADDR", false},
		{"LOG_LEVEL", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := SensitiveKey(tc.key); got != tc.expect {
			t.Errorf("SensitiveKey(%q) = %v, expected %v", tc.key, got, tc.expect)
		}
	}
}
