package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

// 発行したトークンを検証できることを検証
func TestTokenIssuer_IssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	token, exp, err := issuer.Issue("u1", "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID, parsedExp, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "u1" {
		t.Errorf("userID = %q, want %q", userID, "u1")
	}
	if !parsedExp.Equal(exp.Truncate(time.Second)) {
		t.Errorf("exp = %v, want %v", parsedExp, exp.Truncate(time.Second))
	}
}

// 期限切れトークンがErrNoSessionになることを検証
func TestTokenIssuer_Parse_Expired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	base := time.Now()
	issuer.now = func() time.Time { return base }

	token, _, err := issuer.Issue("u1", "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	issuer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, _, err = issuer.Parse(token)
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

// 異なる秘密鍵で署名されたトークンを拒否することを検証
func TestTokenIssuer_Parse_WrongSecret(t *testing.T) {
	token, _, _ := NewTokenIssuer("secret-a", time.Hour).Issue("u1", "a@example.com")

	_, _, err := NewTokenIssuer("secret-b", time.Hour).Parse(token)
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

// MemoryTokenStoreが期限切れトークンを返さないことを検証
func TestMemoryTokenStore_Expiry(t *testing.T) {
	s := NewMemoryTokenStore()
	base := time.Now()
	s.now = func() time.Time { return base }
	ctx := context.Background()

	if err := s.Save(ctx, "tok", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.Load(ctx); got != "tok" {
		t.Errorf("Load() = %q, want %q", got, "tok")
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	if got, _ := s.Load(ctx); got != "" {
		t.Errorf("Load() after expiry = %q, want empty", got)
	}
}
