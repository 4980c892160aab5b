package authz

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// identityCtxKey is an unexported type used as the context key for Identity.
type identityCtxKey struct{}

// Identity is the authenticated user making a request. User holds the
// initials recorded on every study write.
type Identity struct {
	User   string
	Groups []string
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// IdentityMiddleware returns HTTP middleware that extracts identity from
// X-Remote-User and X-Remote-Group headers and stores it in the request context.
// If X-Remote-User is missing, the user defaults to "anonymous".
// X-Remote-Group is comma-separated.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
			if user == "" {
				user = "anonymous"
			}
			id := Identity{User: user, Groups: splitGroups(r.Header.Get("X-Remote-Group"))}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func splitGroups(header string) []string {
	var groups []string
	for _, g := range strings.Split(header, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// JWTConfig configures JWTIdentityMiddleware.
type JWTConfig struct {
	// PublicKeyPath is the PEM-encoded RSA public key for RS256 verification.
	// If empty, tokens are parsed but NOT verified (trusted proxy mode).
	PublicKeyPath string
	// Issuer and Audience are validated when set.
	Issuer   string
	Audience string
	// UserClaim holds the user initials. Default: "initials".
	UserClaim string
	// GroupsClaim holds a list of groups. Supports dot-notation for nested
	// claims (e.g. "realm_access.roles"). Default: "groups".
	GroupsClaim string
	Logger      *slog.Logger
}

// JWTIdentityMiddleware returns middleware that reads the identity from an
// "Authorization: Bearer <token>" header. Requests without a valid token
// are rejected with 401.
func JWTIdentityMiddleware(cfg JWTConfig) (func(http.Handler) http.Handler, error) {
	if cfg.UserClaim == "" {
		cfg.UserClaim = "initials"
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	key, err := loadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	if key == nil {
		cfg.Logger.Warn("JWT identity: no public key configured, tokens parsed without verification")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			claims, err := parseJWTClaims(token, key, cfg)
			if err != nil {
				cfg.Logger.Debug("JWT parse failed", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
				return
			}
			user, _ := claimAt(claims, cfg.UserClaim).(string)
			if user == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", fmt.Sprintf("token has no %s claim", cfg.UserClaim))
				return
			}
			id := Identity{User: user, Groups: stringList(claimAt(claims, cfg.GroupsClaim))}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseJWTClaims(tokenString string, key *rsa.PublicKey, cfg JWTConfig) (jwt.MapClaims, error) {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if key != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		}, opts...)
	} else {
		token, _, err = jwt.NewParser(opts...).ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// claimAt resolves a dot-separated claim path.
func claimAt(claims jwt.MapClaims, path string) any {
	var current any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		if current, ok = m[part]; !ok {
			return nil
		}
	}
	return current
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return splitGroups(t)
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
