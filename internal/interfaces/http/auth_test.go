package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "management-secret"

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(authMiddleware(testSecret, "test"))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subject": c.GetString("auth_subject"),
			"role":    c.GetString("auth_role"),
		})
	})
	return r
}

func doAuth(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	authRouter().ServeHTTP(w, req)
	return w
}

func TestAuth_APIKey(t *testing.T) {
	w := doAuth(t, testSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("api key rejected: %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"role":"admin"`) {
		t.Fatalf("body = %s", w.Body)
	}
}

func TestAuth_MissingAndWrongToken(t *testing.T) {
	for _, token := range []string{"", "wrong-secret"} {
		w := doAuth(t, token)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d", token, w.Code)
		}
		challenge := w.Header().Get("WWW-Authenticate")
		if !strings.Contains(challenge, `error="invalid_token"`) {
			t.Fatalf("challenge = %q", challenge)
		}
		if strings.Contains(w.Body.String(), testSecret) {
			t.Fatal("response echoes the secret")
		}
	}
}

func signToken(t *testing.T, secret string, claims managementClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestAuth_JWT(t *testing.T) {
	token := signToken(t, testSecret, managementClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	w := doAuth(t, token)
	if w.Code != http.StatusOK {
		t.Fatalf("jwt rejected: %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"subject":"alice"`) ||
		!strings.Contains(w.Body.String(), `"role":"viewer"`) {
		t.Fatalf("claims not propagated: %s", w.Body)
	}
}

func TestAuth_JWTDefaultsRoleToAdmin(t *testing.T) {
	token := signToken(t, testSecret, managementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	w := doAuth(t, token)
	if !strings.Contains(w.Body.String(), `"role":"admin"`) {
		t.Fatalf("role not defaulted: %s", w.Body)
	}
}

func TestAuth_JWTExpiredOutsideSkew(t *testing.T) {
	token := signToken(t, testSecret, managementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Minute)),
		},
	})
	if w := doAuth(t, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", w.Code)
	}
}

func TestAuth_JWTExpiredWithinSkewAccepted(t *testing.T) {
	token := signToken(t, testSecret, managementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
		},
	})
	if w := doAuth(t, token); w.Code != http.StatusOK {
		t.Fatalf("token inside leeway rejected: %d", w.Code)
	}
}

func TestAuth_JWTWrongKey(t *testing.T) {
	token := signToken(t, "other-secret", managementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if w := doAuth(t, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token accepted: %d", w.Code)
	}
}
