package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}
	if err := VerifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := VerifyPassword(hash, "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	first, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	second, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	cases := []string{
		"",
		"not-a-hash",
		"bcrypt$sha256$120000$c2FsdA$aGFzaA",
		"pbkdf2$sha256$abc$c2FsdA$aGFzaA",
		"pbkdf2$sha256$120000$!!$aGFzaA",
	}
	for _, encoded := range cases {
		err := VerifyPassword(encoded, "secret")
		if err == nil {
			t.Fatalf("expected error for malformed hash %q", encoded)
		}
		if errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("malformed hash %q should not report a credential mismatch", encoded)
		}
	}
}
