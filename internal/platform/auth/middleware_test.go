package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "biller-1",
			Issuer:    "https://issuer.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: "acme",
		Roles:    []string{RoleBilling},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	var seen echo.Context
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		called = true
		seen = c
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	if seen == nil {
		seen = c
	}
	return seen, called, err
}

func expectUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	expectUnauthorized(t, err)
	if called {
		t.Error("handler must not run")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer  "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			expectUnauthorized(t, err)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), testSigningKey)

	c, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://issuer.test"}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "biller-1" {
		t.Errorf("expected user biller-1, got %s", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleBilling {
		t.Errorf("unexpected roles %v", roles)
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "acme" {
		t.Errorf("expected tenant acme, got %q", tid)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "https://evil.test"

	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", createTestToken(t, validClaims(), []byte("another-key-entirely-0123456789"))},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"no subject", createTestToken(t, noSubject, testSigningKey)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://issuer.test"}, "Bearer "+tt.token)
			expectUnauthorized(t, err)
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestJWTMiddleware_Audience(t *testing.T) {
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"revcycle"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	if _, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Audience: "revcycle"}, "Bearer "+tokenStr); err != nil {
		t.Errorf("expected matching audience to pass, got %v", err)
	}
	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Audience: "other"}, "Bearer "+tokenStr)
	expectUnauthorized(t, err)
}

func TestJWTMiddleware_RS256ViaJWKS(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, rsaPublicKeyToJWK(key, "rs-1"))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "rs-1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c, _, err := runJWT(t, JWTConfig{JWKSURL: srv.URL}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "biller-1" {
		t.Error("expected subject on context")
	}
}

func TestJWTMiddleware_RS256ViaIssuerDiscovery(t *testing.T) {
	key := generateKey(t)
	keys := newJWKSServer(t, rsaPublicKeyToJWK(key, "rs-2"))
	idp := newDiscoveryServer(t, map[string]interface{}{
		"issuer":   "https://idp.example.com",
		"jwks_uri": keys.URL,
	})

	claims := validClaims()
	claims.Issuer = idp.URL
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "rs-2"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c, _, err := runJWT(t, JWTConfig{Issuer: idp.URL}, "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "biller-1" {
		t.Error("expected subject on context")
	}
	if keys.fetches.Load() != 1 {
		t.Errorf("expected one JWKS fetch, got %d", keys.fetches.Load())
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	_, called, err := runJWT(t, cfg, "")
	if err != nil || !called {
		t.Errorf("expected skipped request to pass, err=%v called=%v", err, called)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "dev-user" {
			t.Errorf("expected dev-user, got %s", UserIDFromContext(ctx))
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected admin role, got %v", roles)
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Get("jwt_tenant_id") != "default" {
		t.Errorf("expected default tenant, got %v", c.Get("jwt_tenant_id"))
	}
}

func TestDevAuthMiddleware_LeavesTokenRequestsAlone(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	req.Header.Set("Authorization", "Bearer something")
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevAuthMiddleware()(func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "" {
			t.Error("expected no identity to be injected")
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
