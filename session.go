package chatsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated identity the engine runs as. It is passed
// explicitly to every component that needs it.
type Session struct {
	Token string
	// Scheme prefixes the token in the Authorization header. Opaque
	// tokens use "Token", JWTs use "Bearer".
	Scheme    string
	UserID    string
	MemberID  string
	Username  string
	ExpiresAt time.Time
}

// NewSession builds a session from a bearer credential. When the token is a
// JWT its claims fill in the identity and expiry; the signature is not
// verified, since only the backend can do that. Explicit ids always win
// over claims.
func NewSession(token, userID, memberID string) Session {
	s := Session{Token: strings.TrimSpace(token), Scheme: "Token", UserID: userID, MemberID: memberID}
	if strings.Count(s.Token, ".") != 2 {
		return s
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		return s
	}
	s.Scheme = "Bearer"
	if s.UserID == "" {
		s.UserID = claimString(claims, "user_id", "sub")
	}
	if s.MemberID == "" {
		s.MemberID = claimString(claims, "member_id")
	}
	s.Username = claimString(claims, "username", "preferred_username")
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s
}

// Valid reports whether the session carries a credential.
func (s Session) Valid() bool { return s.Token != "" }

// Expired reports whether a JWT-backed session is past its expiry. Opaque
// tokens never expire client side.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// AuthHeader returns the Authorization header value.
func (s Session) AuthHeader() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "Token"
	}
	return scheme + " " + s.Token
}

// IsSelf reports whether a sender identity belongs to this session. Either
// id may be empty.
func (s Session) IsSelf(userID, memberID string) bool {
	if userID != "" && s.UserID != "" && userID == s.UserID {
		return true
	}
	return memberID != "" && s.MemberID != "" && memberID == s.MemberID
}

func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
