package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

const testSecret = "whsec_super-secret-signing-key"

func TestSecretString_String(t *testing.T) {
	s := SecretString(testSecret)

	result := s.String()

	if result != redactedPlaceholder {
		t.Errorf("String() = %q, want %q", result, redactedPlaceholder)
	}
}

func TestSecretString_Sprintf(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v"} {
		result := fmt.Sprintf("key="+verb, s)
		if strings.Contains(result, testSecret) {
			t.Errorf("fmt.Sprintf(%s) leaked the raw secret: %s", verb, result)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	cfg := struct {
		Secret SecretString `json:"secret"`
	}{Secret: SecretString(testSecret)}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("MarshalJSON returned error: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Errorf("JSON output leaked the raw secret: %s", data)
	}
	if string(data) != `{"secret":"***REDACTED***"}` {
		t.Errorf("json.Marshal = %s", data)
	}
}

func TestSecretString_SlogAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("loaded", "webhook_secret", SecretString(testSecret))

	if strings.Contains(buf.String(), testSecret) {
		t.Errorf("slog output leaked the raw secret: %s", buf.String())
	}
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want raw value", s.Unmask())
	}
}

func TestSecretString_IsSet(t *testing.T) {
	if SecretString("").IsSet() {
		t.Error("empty secret should not be set")
	}
	if !SecretString("x").IsSet() {
		t.Error("non-empty secret should be set")
	}
}

func TestSecretString_Equal(t *testing.T) {
	s := SecretString(testSecret)
	if !s.Equal(testSecret) {
		t.Error("Equal should match identical plaintext")
	}
	if s.Equal(testSecret + "x") {
		t.Error("Equal should reject different plaintext")
	}
	if s.Equal("") {
		t.Error("Equal should reject empty plaintext")
	}
}
