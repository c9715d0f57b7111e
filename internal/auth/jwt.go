package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/cheese-rooms/internal/domain"
)

// JWTVerifier validates HS256 access tokens. The identity is the numeric "id" claim.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

type accessClaims struct {
	ID       any    `json:"id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, unauthorized("missing credential", nil)
	}
	var claims accessClaims
	_, err := v.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, unauthorized("invalid credential", err)
	}
	id, err := claimID(claims.ID)
	if err != nil {
		return Identity{}, unauthorized("invalid credential", err)
	}
	name := claims.Username
	if name == "" {
		name = "user-" + id.String()
	}
	return Identity{ID: id, Name: name}, nil
}

// Sign issues a token for id. Used by tooling and tests.
func (v *JWTVerifier) Sign(id domain.UserID, name string, claims jwt.RegisteredClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{ID: int64(id), Username: name, RegisteredClaims: claims})
	return tok.SignedString(v.secret)
}

func claimID(raw any) (domain.UserID, error) {
	switch v := raw.(type) {
	case float64:
		if v <= 0 || v != float64(int64(v)) {
			return 0, fmt.Errorf("bad id claim %v", v)
		}
		return domain.UserID(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad id claim %q", v)
		}
		return domain.UserID(n), nil
	default:
		return 0, fmt.Errorf("missing id claim")
	}
}
