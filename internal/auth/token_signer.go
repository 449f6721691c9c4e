package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DevelopmentSigningSecret signs tokens when no secret is configured. Not for production use.
	DevelopmentSigningSecret = "dev-secret-change-me"

	// TokenTypeAccess is the only token type this service issues.
	TokenTypeAccess = "access"
)

var (
	ErrMissingAccessToken = errors.New("token signer: token required")
	ErrInvalidAccessToken = errors.New("token signer: invalid token")
	ErrExpiredAccessToken = errors.New("token signer: token expired")
	ErrMissingSubject     = errors.New("token signer: subject required")
)

// ResolveSigningSecret returns the effective signing secret and whether the
// development fallback was substituted for an empty value. Any non-empty value,
// whitespace included, is used verbatim so guest ids stay stable across deployments.
func ResolveSigningSecret(raw string) (string, bool) {
	if raw == "" {
		return DevelopmentSigningSecret, true
	}
	return raw, false
}

// Claims is the payload of an access token.
type Claims struct {
	Subject   string
	TokenType string
	LoginType string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Extras carries mode-specific claims such as device_id and ext_version.
	Extras map[string]any
}

func (c Claims) mapClaims() jwt.MapClaims {
	claims := jwt.MapClaims{}
	for key, value := range c.Extras {
		claims[key] = value
	}
	claims["sub"] = c.Subject
	claims["typ"] = c.TokenType
	claims["login_type"] = c.LoginType
	claims["iat"] = c.IssuedAt.Unix()
	claims["exp"] = c.ExpiresAt.Unix()
	return claims
}

// AccessClaims is the parsed form of a token produced by TokenSigner.
type AccessClaims struct {
	TokenType     string  `json:"typ"`
	LoginType     string  `json:"login_type"`
	DeviceID      *string `json:"device_id,omitempty"`
	ClientVersion *string `json:"ext_version,omitempty"`
	jwt.RegisteredClaims
}

// TokenSignerConfig configures the HS256 signer.
type TokenSignerConfig struct {
	SigningSecret string
	Clock         func() time.Time
}

// TokenSigner produces and validates compact HS256 tokens.
// Header and claims are serialized with sorted keys, so equal inputs yield byte-identical tokens.
type TokenSigner struct {
	secret      []byte
	development bool
	clock       func() time.Time
}

// NewTokenSigner constructs a TokenSigner, substituting DevelopmentSigningSecret for an empty secret.
func NewTokenSigner(cfg TokenSignerConfig) *TokenSigner {
	secret, development := ResolveSigningSecret(cfg.SigningSecret)
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenSigner{
		secret:      []byte(secret),
		development: development,
		clock:       clock,
	}
}

// UsesDevelopmentSecret reports whether the fallback secret is in effect.
func (s *TokenSigner) UsesDevelopmentSecret() bool {
	return s.development
}

// Sign encodes claims as header.claims.signature.
func (s *TokenSigner) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.mapClaims())
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token signer: sign: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry of an access token and returns its claims.
func (s *TokenSigner) Validate(tokenString string) (AccessClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AccessClaims{}, ErrMissingAccessToken
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, fmt.Errorf("%w: %w", ErrExpiredAccessToken, err)
		}
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AccessClaims{}, ErrInvalidAccessToken
	}
	if claims.TokenType != TokenTypeAccess {
		return AccessClaims{}, fmt.Errorf("%w: unexpected token type %q", ErrInvalidAccessToken, claims.TokenType)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, ErrMissingSubject
	}
	return *claims, nil
}
