package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/security"
)

// accessTokenCookie is the cookie browsers carry the JWT in.
const accessTokenCookie = "access_token"

// Actor returns the authenticated principal, nil when unauthenticated.
func Actor(c echo.Context) *model.Actor {
	actor, _ := c.Get(actorKey).(*model.Actor)
	return actor
}

// fingerprint is a stable short digest of an API key, safe to log and to
// use as a rate-limit bucket key.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// APIKeyMiddleware authenticates requests carrying X-API-Key. Comparison is
// constant time across all configured keys so timing cannot narrow the key
// space. Requests without the header fall through to JWT auth.
func APIKeyMiddleware(keys map[string][]string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented := c.Request().Header.Get("X-API-Key")
			if presented == "" {
				return next(c)
			}

			var scopes []string
			matched := false
			for key, keyScopes := range keys {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					matched = true
					scopes = keyScopes
				}
			}
			if !matched {
				return model.E(model.CodeUnauthorized, "invalid API key")
			}

			role := model.RoleEmployee
			for _, s := range scopes {
				if s == "admin" {
					role = model.RoleAdmin
				}
			}
			c.Set(actorKey, &model.Actor{UserID: "apikey:" + fingerprint(presented), Role: role})
			return next(c)
		}
	}
}

// JWTMiddleware authenticates bearer or cookie tokens through the JWT
// service. Requests already authenticated by API key pass through.
func JWTMiddleware(jwtService *security.JWTService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		Skipper: func(c echo.Context) bool {
			return Actor(c) != nil
		},
		TokenLookup: "header:Authorization:Bearer ,cookie:" + accessTokenCookie,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			actor, err := jwtService.ValidateToken(auth)
			if err != nil {
				return nil, err
			}
			c.Set(actorKey, actor)
			return actor, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return model.E(model.CodeUnauthorized, "authentication required")
		},
	})
}
