package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	fidClaim = "fid"
)

var (
	// ErrNotConfigured indicates token issuance was requested without a
	// signing secret; the auth surface degrades instead of the server
	// refusing to start.
	ErrNotConfigured = errors.New("auth: signing secret not configured")

	errMissingSubjectClaim = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the signer-scoped JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues JWTs scoped to an approved signer.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Configured reports whether the issuer holds a signing secret.
func (i *TokenIssuer) Configured() bool {
	return len(i.config.SigningSecret) > 0
}

// IssueSignerToken produces a signed JWT and its expiry (seconds) for an
// approved signer. The subject is the signer id; the owning fid rides
// along as a custom claim.
func (i *TokenIssuer) IssueSignerToken(_ context.Context, signerID string, fid uint64) (string, int64, error) {
	if !i.Configured() {
		return "", 0, ErrNotConfigured
	}
	if signerID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := jwt.MapClaims{
		"sub":    signerID,
		"iss":    i.config.Issuer,
		"aud":    i.config.Audience,
		"iat":    jwt.NewNumericDate(now),
		"exp":    jwt.NewNumericDate(expiresAt),
		fidClaim: strconv.FormatUint(fid, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns the signer id
// and fid it was issued for.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, uint64, error) {
	if !i.Configured() {
		return "", 0, ErrNotConfigured
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", 0, err
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", 0, errMissingSubjectClaim
	}

	var fid uint64
	if raw, ok := claims[fidClaim].(string); ok {
		fid, _ = strconv.ParseUint(raw, 10, 64)
	}
	return subject, fid, nil
}
