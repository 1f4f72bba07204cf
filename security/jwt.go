// Package security implements token signing and secret sealing: HS256 JWTs
// for request auth and AES-256-GCM for connector refresh tokens at rest.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/SaintWyss/ragcore/model"
)

// JWTService signs and validates access tokens. Tokens carry sub, email,
// role and typ=access; anything else is rejected.
type JWTService struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTService(secret string, ttl time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), ttl: ttl}
}

// GenerateToken issues an access token for the user.
func (j *JWTService) GenerateToken(userID, email string, role model.ActorRole) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(j.ttl)).
		Claim("email", email).
		Claim("role", string(role)).
		Claim("typ", "access").
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken parses and verifies a token and maps its claims onto an
// Actor. Expired, tampered or non-access tokens fail.
func (j *JWTService) ValidateToken(tokenString string) (*model.Actor, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, model.E(model.CodeUnauthorized, "invalid token")
	}
	typ, _ := token.Get("typ")
	if typ != "access" {
		return nil, model.E(model.CodeUnauthorized, "not an access token")
	}
	roleClaim, _ := token.Get("role")
	role, _ := roleClaim.(string)
	actor := &model.Actor{UserID: token.Subject(), Role: model.ActorRole(role)}
	if actor.UserID == "" {
		return nil, model.E(model.CodeUnauthorized, "token has no subject")
	}
	switch actor.Role {
	case model.RoleAdmin, model.RoleEmployee:
		return actor, nil
	default:
		return nil, model.E(model.CodeUnauthorized, "token carries an unknown role")
	}
}
