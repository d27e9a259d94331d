// Package rest provides the HTTP API of the baseline server. This file
// implements the two authentication layers.
//
// # Operator authentication
//
// Operator routes require an RS256 JWT:
//
//	Authorization: Bearer <compact-JWT>
//
// Browsers cannot set headers on a WebSocket upgrade, so /ws also accepts
// the token in a "token" query parameter.
//
// The middleware verifies the signature against the configured public key,
// rejects any algorithm other than RS256, checks exp/nbf, and optionally
// checks the issuer and audience. The verified [Claims] are injected into
// the request context.
//
// # Agent authentication
//
// Agent routes require the shared agent token as a bearer token. The
// comparison is constant-time.
//
// On any failure both middlewares respond with HTTP 401 and a JSON error
// body; they do NOT call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT claims injected by [JWTMiddleware].
type Claims struct {
	jwt.RegisteredClaims
}

// JWTConfig holds the configuration for [JWTMiddleware].
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, must equal the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// AllowQueryToken accepts ?token=<jwt> when no Authorization header is
	// present.
	AllowQueryToken bool

	// Logger records authentication failures. Nil selects slog.Default().
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns (nil, false) when no claims are present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
// It accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// JWTMiddleware returns middleware enforcing RS256 bearer-token
// authentication.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := tokenFromRequest(r, cfg.AllowQueryToken)
			if err == nil {
				var claims Claims
				if _, err = parser.ParseWithClaims(raw, &claims, keyFunc); err == nil {
					ctx := context.WithValue(r.Context(), claimsKey, &claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			logger.Warn("jwt: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// AgentTokenMiddleware returns middleware requiring the shared agent token
// as a bearer token. An empty token disables the check.
func AgentTokenMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, err := tokenFromRequest(r, false)
			if err != nil || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.Warn("agent auth: invalid token",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid agent token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if raw := r.Header.Get("Authorization"); raw != "" {
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok {
			return "", errors.New("malformed Authorization header")
		}
		if token == "" {
			return "", errors.New("empty bearer token")
		}
		return token, nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", errors.New("missing Authorization header")
}

// writeJSONError writes an HTTP error response with a JSON body.
// It sets the Content-Type header before writing the status code so that
// the header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
