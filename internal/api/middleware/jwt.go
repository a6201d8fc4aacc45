package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
)

type apiError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

type JWTConfig struct {
	Secret   string
	Issuer   string // optional
	Audience string // optional
}

// Enabled reports whether tokens are checked at all.
func (c JWTConfig) Enabled() bool { return c.Secret != "" }

type claims struct {
	jwt.RegisteredClaims
	Role         string         `json:"role"`         // usually "authenticated" / "anon"
	AppMetadata  map[string]any `json:"app_metadata"` // put {"role":"admin"} here
	UserMetadata map[string]any `json:"user_metadata"`
}

// JWTAuth validates an HS256 bearer token and sets user_id and role. Browsers
// cannot set headers on a websocket upgrade, so a token query parameter is
// accepted too. With no secret configured every caller passes as admin
// without a user_id; that mode is for local runs only.
func JWTAuth(cfg JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled() {
			c.Set("role", string(models.RoleAdmin))
			c.Next()
			return
		}

		raw := bearer(c)
		if raw == "" {
			abort(c, "missing bearer token")
			return
		}

		cl := &claims{}
		tok, err := jwt.ParseWithClaims(raw, cl, func(t *jwt.Token) (any, error) {
			return []byte(cfg.Secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || tok == nil || !tok.Valid {
			abort(c, "invalid token")
			return
		}

		if cfg.Issuer != "" && cl.Issuer != cfg.Issuer {
			abort(c, "invalid token issuer")
			return
		}
		if cfg.Audience != "" {
			valid := false
			for _, aud := range cl.Audience {
				if aud == cfg.Audience {
					valid = true
					break
				}
			}
			if !valid {
				abort(c, "invalid token audience")
				return
			}
		}

		userID := cl.Subject
		if userID == "" {
			abort(c, "missing subject")
			return
		}

		// Default role: "user" (app-level role)
		appRole := string(models.RoleUser)
		if v, ok := cl.AppMetadata["role"].(string); ok && v != "" {
			appRole = v
		}

		c.Set("user_id", userID)
		c.Set("role", appRole)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{
		Code:    utils.CodeUnauthorized,
		Message: msg,
	})
}
