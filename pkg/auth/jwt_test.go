package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-0123456789")

func newVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, opts)
	require.NoError(t, err)
	return v
}

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(nil, Options{})
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := newVerifier(t, Options{Issuer: "accounts"})
	token, err := v.Sign(42, time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestVerifier_Verify(t *testing.T) {
	v := newVerifier(t, Options{})
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		want    int64
		wantErr error
	}{
		{
			name:    "empty",
			token:   "",
			wantErr: ErrMissingToken,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: ErrInvalidToken,
		},
		{
			name:  "user id from subject",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "7", ExpiresAt: exp}),
			want:  7,
		},
		{
			name:  "user_id claim wins over subject",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, Claims{UserID: 9, RegisteredClaims: jwt.RegisteredClaims{Subject: "7", ExpiresAt: exp}}),
			want:  9,
		},
		{
			name:    "non numeric subject",
			token:   signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no user id",
			token:   signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{ExpiresAt: exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing expiry",
			token:   signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "7"}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong secret",
			token:   signClaims(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "7", ExpiresAt: exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong algorithm",
			token:   signClaims(t, jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{Subject: "7", ExpiresAt: exp}),
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifier_Issuer(t *testing.T) {
	v := newVerifier(t, Options{Issuer: "accounts"})
	token := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "3",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_Leeway(t *testing.T) {
	token := signClaims(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "3",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
	})

	_, err := newVerifier(t, Options{}).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	userID, err := newVerifier(t, Options{Leeway: time.Minute}).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(3), userID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/events?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/api/jobs/1", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r))
}

func TestUserIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Zero(t, UserIDFrom(ctx))
	assert.Equal(t, int64(5), UserIDFrom(WithUserID(ctx, 5)))
}
