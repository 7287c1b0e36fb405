// Package auth verifies the HS256 access tokens presented by HTTP and
// WebSocket callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("missing access token")
	// ErrInvalidToken is returned for malformed, expired or badly signed
	// tokens and tokens without a usable user id.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrNoSecret is returned by NewVerifier for an empty secret.
	ErrNoSecret = errors.New("jwt secret is empty")
)

// Claims are the access token claims. The user id is read from user_id,
// falling back to sub.
type Claims struct {
	UserID int64 `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Options configures a Verifier.
type Options struct {
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// Verifier checks access tokens signed with a shared HS256 secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	opts   Options
}

// NewVerifier creates a Verifier.
func NewVerifier(secret []byte, opts Options) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(parserOpts...),
		opts:   opts,
	}, nil
}

// Verify parses token and returns the authenticated user id.
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, err = strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
		}
	}
	if userID <= 0 {
		return 0, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return userID, nil
}

// Sign issues a token for userID valid for ttl. Token issuance belongs to
// the account service; this exists for tooling and tests.
func (v *Verifier) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    v.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest returns the bearer token of r, or the token query
// parameter. Browsers cannot set headers on WebSocket upgrades, so the
// query form is accepted too.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

type userIDKey struct{}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the authenticated user id of ctx, or 0.
func UserIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}
