package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zak10/arena-dnpbmf/internal/model"
)

var testSecret = []byte("test-secret-0123456789")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewJWTProvider_RequiresOneKey(t *testing.T) {
	_, err := NewJWTProvider(JWTConfig{})
	assert.Error(t, err)

	key := generateKey(t)
	_, err = NewJWTProvider(JWTConfig{Secret: testSecret, PublicKey: &key.PublicKey})
	assert.Error(t, err)
}

func TestJWTProvider_Authenticate(t *testing.T) {
	p, err := NewJWTProvider(JWTConfig{Secret: testSecret, Issuer: "arena", Audience: "gateway"})
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	valid := jwt.MapClaims{"user_id": "42", "exp": exp.Unix(), "iss": "arena", "aud": "gateway"}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{
			name:   "valid",
			token:  sign(t, jwt.SigningMethodHS256, testSecret, valid),
			wantID: "42",
		},
		{
			name: "numeric user id",
			token: sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"user_id": 1234, "exp": exp.Unix(), "iss": "arena", "aud": "gateway",
			}),
			wantID: "1234",
		},
		{
			name:    "missing token",
			token:   "",
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   sign(t, jwt.SigningMethodHS256, []byte("other-secret"), valid),
			wantErr: true,
		},
		{
			name:    "wrong algorithm",
			token:   sign(t, jwt.SigningMethodHS512, testSecret, valid),
			wantErr: true,
		},
		{
			name: "expired",
			token: sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"user_id": "42", "exp": time.Now().Add(-time.Minute).Unix(), "iss": "arena", "aud": "gateway",
			}),
			wantErr: true,
		},
		{
			name: "no expiry",
			token: sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"user_id": "42", "iss": "arena", "aud": "gateway",
			}),
			wantErr: true,
		},
		{
			name: "wrong issuer",
			token: sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"user_id": "42", "exp": exp.Unix(), "iss": "someone", "aud": "gateway",
			}),
			wantErr: true,
		},
		{
			name: "missing user claim",
			token: sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"sub": "42", "exp": exp.Unix(), "iss": "arena", "aud": "gateway",
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := p.Authenticate(context.Background(), Handshake{Token: tt.token})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.UserID)
			assert.Equal(t, exp.Unix(), id.ExpiresAt.Unix())
		})
	}
}

func TestJWTProvider_RS256(t *testing.T) {
	key := generateKey(t)
	p, err := NewJWTProvider(JWTConfig{PublicKey: &key.PublicKey, UserClaim: "sub"})
	require.NoError(t, err)

	token, err := IssueToken(key, "ignored", time.Minute, map[string]any{"sub": "alice"})
	require.NoError(t, err)

	id, err := p.Authenticate(context.Background(), Handshake{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	// An HS256 token must not verify against an RSA provider
	hs, err := IssueToken(testSecret, "alice", time.Minute, nil)
	require.NoError(t, err)
	_, err = p.Authenticate(context.Background(), Handshake{Token: hs})
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}

func TestJWTProvider_Leeway(t *testing.T) {
	now := time.Now()
	p, err := NewJWTProvider(JWTConfig{
		Secret: testSecret,
		Leeway: time.Minute,
		Now:    func() time.Time { return now.Add(30 * time.Second) },
	})
	require.NoError(t, err)

	token := sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"user_id": "7", "exp": now.Unix()})
	id, err := p.Authenticate(context.Background(), Handshake{Token: token})
	require.NoError(t, err)
	assert.Equal(t, "7", id.UserID)
}

func TestIssueToken_UnsupportedKey(t *testing.T) {
	_, err := IssueToken("a string", "u", time.Minute, nil)
	assert.Error(t, err)
}
