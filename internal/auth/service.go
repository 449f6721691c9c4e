package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/InRunning/click-translate/internal/users"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL = 24 * time.Hour

	// BearerTokenType is reported to clients alongside every access token.
	BearerTokenType = "bearer"
)

// ErrUnsupportedMode indicates an unrecognised login type.
var ErrUnsupportedMode = errors.New("auth: unsupported login type")

// IdentityResolver resolves or creates identities for each login mode.
type IdentityResolver interface {
	ResolveOrCreateGuest(ctx context.Context, deviceID string) (users.Identity, bool, error)
	ResolveOrCreateLocal(ctx context.Context, email, displayName string) (users.Identity, bool, error)
}

// ServiceConfig describes the dependencies of the login service.
type ServiceConfig struct {
	Resolver IdentityResolver
	Signer   *TokenSigner
	GuestTTL time.Duration
	LocalTTL time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service issues access tokens for guest and local logins.
type Service struct {
	resolver IdentityResolver
	signer   *TokenSigner
	guestTTL time.Duration
	localTTL time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// LoginRequest is the parsed login body.
type LoginRequest struct {
	LoginType     string
	DeviceID      string
	ClientVersion string
	Email         string
	DisplayName   string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	UserID      int64
	LoginType   users.LoginType
	IsNew       bool
	AccessToken string
	TokenType   string
	ExpiresIn   int64
}

// NewService constructs the login service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("auth: identity resolver required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("auth: token signer required")
	}
	guestTTL := cfg.GuestTTL
	if guestTTL <= 0 {
		guestTTL = defaultTokenTTL
	}
	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		resolver: cfg.Resolver,
		signer:   cfg.Signer,
		guestTTL: guestTTL,
		localTTL: localTTL,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ParseLoginType normalises the requested login type. An empty value selects guest.
func ParseLoginType(value string) (users.LoginType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(users.LoginTypeGuest):
		return users.LoginTypeGuest, nil
	case string(users.LoginTypeLocal):
		return users.LoginTypeLocal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, value)
	}
}

// Login resolves the identity for the request and issues an access token.
func (s *Service) Login(ctx context.Context, request LoginRequest) (LoginResult, error) {
	loginType, err := ParseLoginType(request.LoginType)
	if err != nil {
		return LoginResult{}, err
	}

	switch loginType {
	case users.LoginTypeLocal:
		return s.loginLocal(ctx, request)
	default:
		return s.loginGuest(ctx, request)
	}
}

func (s *Service) loginGuest(ctx context.Context, request LoginRequest) (LoginResult, error) {
	identity, isNew, err := s.resolver.ResolveOrCreateGuest(ctx, request.DeviceID)
	if err != nil {
		return LoginResult{}, err
	}
	extras := map[string]any{
		"device_id":   nullable(request.DeviceID),
		"ext_version": nullable(request.ClientVersion),
	}
	return s.issue(identity, isNew, s.guestTTL, extras)
}

func (s *Service) loginLocal(ctx context.Context, request LoginRequest) (LoginResult, error) {
	if strings.TrimSpace(request.Email) == "" {
		return LoginResult{}, fmt.Errorf("%w: email is required", users.ErrInvalidArgument)
	}
	identity, isNew, err := s.resolver.ResolveOrCreateLocal(ctx, request.Email, request.DisplayName)
	if err != nil {
		return LoginResult{}, err
	}
	return s.issue(identity, isNew, s.localTTL, nil)
}

func (s *Service) issue(identity users.Identity, isNew bool, ttl time.Duration, extras map[string]any) (LoginResult, error) {
	issuedAt := s.clock().UTC()
	token, err := s.signer.Sign(Claims{
		Subject:   strconv.FormatInt(identity.UserID, 10),
		TokenType: TokenTypeAccess,
		LoginType: string(identity.LoginType),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
		Extras:    extras,
	})
	if err != nil {
		return LoginResult{}, err
	}

	s.logger.Info("login succeeded",
		zap.Int64("user_id", identity.UserID),
		zap.String("login_type", string(identity.LoginType)),
		zap.Bool("is_new", isNew),
	)

	return LoginResult{
		UserID:      identity.UserID,
		LoginType:   identity.LoginType,
		IsNew:       isNew,
		AccessToken: token,
		TokenType:   BearerTokenType,
		ExpiresIn:   int64(ttl / time.Second),
	}, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
