package chatsync

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestNewSession(t *testing.T) {
	t.Run("opaque token", func(t *testing.T) {
		s := NewSession(" abc123 ", "7", "17")
		if s.Token != "abc123" || s.AuthHeader() != "Token abc123" {
			t.Errorf("session = %+v", s)
		}
		if s.Expired(time.Now()) {
			t.Error("opaque token expired")
		}
	})

	t.Run("jwt claims", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Truncate(time.Second)
		tok := mintToken(t, jwt.MapClaims{
			"user_id":   float64(7),
			"member_id": "17",
			"username":  "alice",
			"exp":       exp.Unix(),
		})
		s := NewSession(tok, "", "")
		if s.UserID != "7" || s.MemberID != "17" || s.Username != "alice" {
			t.Errorf("identity = %q %q %q", s.UserID, s.MemberID, s.Username)
		}
		if s.Scheme != "Bearer" || s.AuthHeader() != "Bearer "+tok {
			t.Errorf("scheme = %q", s.Scheme)
		}
		if !s.ExpiresAt.Equal(exp) {
			t.Errorf("expiresAt = %v, want %v", s.ExpiresAt, exp)
		}
		if s.Expired(time.Now()) || !s.Expired(exp.Add(time.Second)) {
			t.Error("expiry check wrong")
		}
	})

	t.Run("explicit ids win", func(t *testing.T) {
		tok := mintToken(t, jwt.MapClaims{"sub": "8", "member_id": "18"})
		s := NewSession(tok, "7", "17")
		if s.UserID != "7" || s.MemberID != "17" {
			t.Errorf("identity = %q %q", s.UserID, s.MemberID)
		}
	})

	t.Run("sub fallback", func(t *testing.T) {
		s := NewSession(mintToken(t, jwt.MapClaims{"sub": "8"}), "", "")
		if s.UserID != "8" {
			t.Errorf("userID = %q", s.UserID)
		}
	})
}

func TestSessionIsSelf(t *testing.T) {
	s := testSession()
	for _, tc := range []struct {
		user, member string
		want         bool
	}{
		{"7", "", true},
		{"", "17", true},
		{"9", "42", false},
		{"", "", false},
	} {
		if got := s.IsSelf(tc.user, tc.member); got != tc.want {
			t.Errorf("IsSelf(%q, %q) = %v", tc.user, tc.member, got)
		}
	}
	if (Session{}).IsSelf("", "") {
		t.Error("empty session matched")
	}
}
