package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test-user",
	}
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithAuth(h http.Handler, target, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Logger: quietLogger()})(wrappedHandler(&called))

	rec := serveWithAuth(h, "/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Logger: quietLogger()})(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer", "Bearer a.b.c"} {
		rec := serveWithAuth(h, "/", bad)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ExpiredToken_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Logger: quietLogger()})(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	}
	rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, claims))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_WrongSigningKey_Returns401(t *testing.T) {
	priv, _ := generateTestKey(t)
	_, pub2 := generateTestKey(t)

	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub2, Logger: quietLogger()})(wrappedHandler(&called))

	rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, validClaims()))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

// TestJWTMiddleware_RejectsHMAC guards against algorithm confusion: an HS256
// token keyed with arbitrary bytes must not be accepted.
func TestJWTMiddleware_RejectsHMAC(t *testing.T) {
	_, pub := generateTestKey(t)
	called := false
	h := JWTMiddleware(JWTConfig{PublicKey: pub, Logger: quietLogger()})(wrappedHandler(&called))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := serveWithAuth(h, "/", "Bearer "+tok)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for HS256 token, got %d", rec.Code)
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	priv, pub := generateTestKey(t)
	cfg := JWTConfig{PublicKey: pub, Issuer: "baseline-auth", Audience: "dashboard", Logger: quietLogger()}
	called := false
	h := JWTMiddleware(cfg)(wrappedHandler(&called))

	good := validClaims()
	good.Issuer = "baseline-auth"
	good.Audience = jwt.ClaimStrings{"dashboard", "other"}

	wrongIss := good
	wrongIss.Issuer = "someone-else"

	wrongAud := good
	wrongAud.Audience = jwt.ClaimStrings{"other"}

	if rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, wrongIss)); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong issuer: expected 401, got %d", rec.Code)
	}
	if rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, wrongAud)); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong audience: expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatal("next handler should not have been called yet")
	}
	if rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, good)); rec.Code != http.StatusOK {
		t.Errorf("matching claims: expected 200, got %d", rec.Code)
	}
}

func TestJWTMiddleware_ValidToken_StoresClaimsInContext(t *testing.T) {
	priv, pub := generateTestKey(t)

	var gotClaims *Claims
	h := JWTMiddleware(JWTConfig{PublicKey: pub})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	claims := validClaims()
	claims.Subject = "user-42"
	rec := serveWithAuth(h, "/", "Bearer "+signToken(t, priv, claims))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotClaims == nil {
		t.Fatal("expected Claims in context, got nil")
	}
	if gotClaims.Subject != "user-42" {
		t.Errorf("expected subject=user-42, got %q", gotClaims.Subject)
	}
}

func TestJWTMiddleware_QueryToken(t *testing.T) {
	priv, pub := generateTestKey(t)
	tok := signToken(t, priv, validClaims())

	called := false
	strict := JWTMiddleware(JWTConfig{PublicKey: pub, Logger: quietLogger()})(wrappedHandler(&called))
	if rec := serveWithAuth(strict, "/ws?token="+tok, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("query token without opt-in: expected 401, got %d", rec.Code)
	}

	lenient := JWTMiddleware(JWTConfig{PublicKey: pub, AllowQueryToken: true})(wrappedHandler(&called))
	if rec := serveWithAuth(lenient, "/ws?token="+tok, ""); rec.Code != http.StatusOK {
		t.Errorf("query token with opt-in: expected 200, got %d", rec.Code)
	}
}

func TestClaimsFromContext_NoClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if c, ok := ClaimsFromContext(req.Context()); ok || c != nil {
		t.Errorf("expected (nil, false), got (%+v, %v)", c, ok)
	}
}

func TestAgentTokenMiddleware(t *testing.T) {
	called := false
	h := AgentTokenMiddleware("s3cret", quietLogger())(wrappedHandler(&called))

	cases := []struct {
		auth string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"s3cret", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		if rec := serveWithAuth(h, "/", tc.auth); rec.Code != tc.want {
			t.Errorf("auth %q: expected %d, got %d", tc.auth, tc.want, rec.Code)
		}
	}
}

func TestAgentTokenMiddleware_EmptyTokenDisablesCheck(t *testing.T) {
	called := false
	h := AgentTokenMiddleware("", nil)(wrappedHandler(&called))

	if rec := serveWithAuth(h, "/", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	_, pub := generateTestKey(t)

	pkix, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal PKIX: %v", err)
	}
	for name, block := range map[string]*pem.Block{
		"pkix":  {Type: "PUBLIC KEY", Bytes: pkix},
		"pkcs1": {Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)},
	} {
		got, err := ParseRSAPublicKey(pem.EncodeToMemory(block))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if !got.Equal(pub) {
			t.Errorf("%s: parsed key differs", name)
		}
	}

	if _, err := ParseRSAPublicKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
	bad := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})
	if _, err := ParseRSAPublicKey(bad); err == nil {
		t.Error("expected error for unsupported PEM type")
	}
}
