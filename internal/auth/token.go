// Package auth issues and validates the signed identity tokens a client may
// present in its hello message.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// Claims carries the identity a token vouches for.
type Claims struct {
	UserID      int64           `json:"user_id"`
	Email       string          `json:"email"`
	Name        string          `json:"name,omitempty"`
	Departments []int64         `json:"departments,omitempty"`
	Permissions map[string]bool `json:"user_permissions,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed HS256 JWT for the given identity.
func IssueToken(secret string, id protocol.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      id.UserID,
		Email:       id.Email,
		Name:        id.Name,
		Departments: id.Departments,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates a token and returns the identity it carries.
func ParseToken(secret, tokenStr string) (protocol.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return protocol.Identity{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return protocol.Identity{}, errors.New("invalid token")
	}
	return protocol.Identity{
		UserID:      claims.UserID,
		Email:       claims.Email,
		Name:        claims.Name,
		Departments: claims.Departments,
		Permissions: claims.Permissions,
	}, nil
}
