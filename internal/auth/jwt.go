package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

// JWTConfig configures a JWTProvider. Exactly one of Secret and PublicKey must be set.
type JWTConfig struct {
	Secret    []byte         // HS256
	PublicKey *rsa.PublicKey // RS256
	Issuer    string         // Checked when set
	Audience  string         // Checked when set
	UserClaim string         // Default: "user_id"
	Leeway    time.Duration
	Now       func() time.Time // For tests
}

// JWTProvider authenticates handshakes carrying a signed JWT.
type JWTProvider struct {
	cfg     JWTConfig
	method  string
	key     any
	options []jwt.ParserOption
}

// NewJWTProvider validates cfg and builds a provider.
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	p := &JWTProvider{cfg: cfg}

	switch {
	case len(cfg.Secret) > 0 && cfg.PublicKey != nil:
		return nil, errors.New("jwt: secret and public key are mutually exclusive")
	case len(cfg.Secret) > 0:
		p.method, p.key = jwt.SigningMethodHS256.Alg(), cfg.Secret
	case cfg.PublicKey != nil:
		p.method, p.key = jwt.SigningMethodRS256.Alg(), cfg.PublicKey
	default:
		return nil, errors.New("jwt: secret or public key is required")
	}

	if p.cfg.UserClaim == "" {
		p.cfg.UserClaim = "user_id"
	}

	p.options = []jwt.ParserOption{
		jwt.WithValidMethods([]string{p.method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		p.options = append(p.options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		p.options = append(p.options, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		p.options = append(p.options, jwt.WithTimeFunc(cfg.Now))
	}
	return p, nil
}

// Authenticate verifies the handshake token and extracts the user ID.
func (p *JWTProvider) Authenticate(ctx context.Context, h Handshake) (Identity, error) {
	if h.Token == "" {
		return Identity{}, fmt.Errorf("missing token: %w", model.ErrUnauthenticated)
	}

	token, err := jwt.Parse(h.Token, func(*jwt.Token) (any, error) {
		return p.key, nil
	}, p.options...)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w: %v", model.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected claims type: %w", model.ErrUnauthenticated)
	}

	userID := claimString(claims[p.cfg.UserClaim])
	if userID == "" {
		return Identity{}, fmt.Errorf("claim %q missing: %w", p.cfg.UserClaim, model.ErrUnauthenticated)
	}

	id := Identity{UserID: userID}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// claimString renders string and numeric claims. JSON numbers decode as float64.
func claimString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(c, 10)
	default:
		return ""
	}
}

// IssueToken signs a token for userID. Used by tooling and tests; key is a
// []byte secret (HS256) or an *rsa.PrivateKey (RS256).
func IssueToken(key any, userID string, ttl time.Duration, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}

	var method jwt.SigningMethod
	switch key.(type) {
	case []byte:
		method = jwt.SigningMethodHS256
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	default:
		return "", fmt.Errorf("unsupported signing key %T", key)
	}

	return jwt.NewWithClaims(method, claims).SignedString(key)
}
