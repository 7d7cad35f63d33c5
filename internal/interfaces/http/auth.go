package http

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mocksmith/mocksmith/pkg/apperr"
)

const authSkew = 5 * time.Minute

// authMiddleware gates the management surface behind a bearer token.
// The token is accepted either as the raw shared secret (API-key mode)
// or as an HS256 JWT signed with that secret.
func authMiddleware(secret string, realm string) gin.HandlerFunc {
	secretBytes := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			unauthorized(c, realm)
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), secretBytes) == 1 {
			c.Set("auth_subject", "api-key")
			c.Set("auth_role", "admin")
			c.Next()
			return
		}

		claims, err := verifyJWT(token, secretBytes)
		if err != nil {
			unauthorized(c, realm)
			return
		}
		c.Set("auth_subject", claims.Subject)
		c.Set("auth_role", claims.Role)
		c.Next()
	}
}

type managementClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func verifyJWT(token string, secret []byte) (*managementClaims, error) {
	claims := &managementClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(authSkew),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role == "" {
		claims.Role = "admin"
	}
	return claims, nil
}

func unauthorized(c *gin.Context, realm string) {
	c.Header("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm))
	writeError(c, apperr.New(apperr.KindUnauthorized, "authentication required"))
	c.Abort()
}
