package authclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionIssuer is the issuer claim of locally minted session tokens.
const SessionIssuer = "gatekeeper"

// Claims represents the session token issued after a completed login.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// Identity converts the claims into the identity exposed to handlers.
func (c *Claims) Identity() *Identity {
	return &Identity{
		Subject:  c.Subject,
		Username: c.Username,
		Email:    c.Email,
		Name:     c.Name,
		Groups:   c.Groups,
	}
}

// sessionTokens signs and verifies HS256 session tokens.
type sessionTokens struct {
	secret []byte
	ttl    time.Duration
}

func (s *sessionTokens) issue(id *Identity, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    SessionIssuer,
			Subject:   id.Subject,
		},
		Username: id.Username,
		Email:    id.Email,
		Name:     id.Name,
		Groups:   id.Groups,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

var errInvalidSession = errors.New("invalid session token")

// parse validates a session token. Expired tokens report jwt.ErrTokenExpired.
func (s *sessionTokens) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(SessionIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errInvalidSession
	}
	return claims, nil
}
