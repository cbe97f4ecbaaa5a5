package auth

import (
	"strings"
	"testing"
)

// TestTokenGeneration tests token generation and format validation
func TestTokenGeneration(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if !strings.HasPrefix(token, TokenPrefix) {
		t.Errorf("Generated token missing prefix: %s", token)
	}
	if !IsValidTokenFormat(token) {
		t.Errorf("Generated token has invalid format: %s", token)
	}

	// Tokens must be unique
	other, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == other {
		t.Error("GenerateToken() produced the same token twice")
	}
}

// TestTokenHashing tests bcrypt hashing and verification
func TestTokenHashing(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	hash, err := HashToken(token)
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}

	// Hash should not contain the raw secret
	secret := strings.TrimPrefix(token, TokenPrefix)
	if strings.Contains(hash, secret) {
		t.Error("Hash contains the raw token secret")
	}

	if !VerifyToken(token, hash) {
		t.Error("VerifyToken() = false for the correct token")
	}

	wrong, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if VerifyToken(wrong, hash) {
		t.Error("VerifyToken() = true for a different token")
	}
	if VerifyToken(token, "not-a-bcrypt-hash") {
		t.Error("VerifyToken() = true for a garbage hash")
	}
}

// TestTokenFormatValidation tests format checks on malformed tokens
func TestTokenFormatValidation(t *testing.T) {
	valid, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"wrong prefix", "ckb_sk_" + strings.Repeat("ab", TokenLength), false},
		{"no prefix", strings.Repeat("ab", TokenLength), false},
		{"too short", TokenPrefix + "abcdef", false},
		{"not hex", TokenPrefix + strings.Repeat("zz", TokenLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTokenFormat(tt.token); got != tt.want {
				t.Errorf("IsValidTokenFormat(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

// TestMaskToken tests display masking
func TestMaskToken(t *testing.T) {
	token := TokenPrefix + "a1b2c3d4e5f6" + strings.Repeat("00", 26)

	masked := MaskToken(token)
	if !strings.HasPrefix(masked, TokenPrefix+"a1b2c3d4") {
		t.Errorf("MaskToken() = %s, want prefix %s", masked, TokenPrefix+"a1b2c3d4")
	}
	if strings.Contains(masked, "e5f6") {
		t.Errorf("MaskToken() leaked token material: %s", masked)
	}

	if got := MaskToken("short"); got != "****" {
		t.Errorf("MaskToken(short) = %s, want ****", got)
	}
}
