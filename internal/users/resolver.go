package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	maxCreateAttempts = 5
	identityIDMask    = uint64(1)<<63 - 1
)

var (
	// ErrInvalidArgument indicates missing or malformed login input.
	ErrInvalidArgument = errors.New("users: invalid argument")
	// ErrModeConflict indicates the identity exists under another login type.
	ErrModeConflict = errors.New("users: login type conflict")
	// ErrIdentityCreationExhausted indicates every id candidate collided.
	ErrIdentityCreationExhausted = errors.New("users: identity creation attempts exhausted")
	// ErrIdentityCreationFailed indicates the insert lost a race on a non-id unique column.
	ErrIdentityCreationFailed = errors.New("users: identity creation failed")
)

// ResolverConfig describes the dependencies required for identity resolution.
type ResolverConfig struct {
	Directory Directory
	Secret    string
	Clock     func() time.Time
	// RandomID overrides the random identity source; used by tests to force collisions.
	RandomID func() int64
	Logger   *zap.Logger
}

// Resolver maps logins onto identities, creating them on first use.
type Resolver struct {
	directory Directory
	secret    string
	now       func() time.Time
	randomID  func() int64
	logger    *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("users: directory required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	randomID := cfg.RandomID
	if randomID == nil {
		randomID = RandomIdentityID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		directory: cfg.Directory,
		secret:    cfg.Secret,
		now:       clock,
		randomID:  randomID,
		logger:    logger,
	}, nil
}

// DeriveGuestID returns the candidate identity id for a device fingerprint.
// A non-empty fingerprint maps deterministically through SHA-256(secret + ":" + fingerprint);
// an empty one yields a random id. The result is always in [1, 2^63-1].
func DeriveGuestID(deviceID, secret string) int64 {
	if deviceID == "" {
		return RandomIdentityID()
	}
	digest := sha256.Sum256([]byte(secret + ":" + deviceID))
	return identityIDFromUint64(binary.BigEndian.Uint64(digest[:8]))
}

// RandomIdentityID draws a uniformly random 63-bit identity id, never zero.
func RandomIdentityID() int64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return identityIDFromUint64(binary.BigEndian.Uint64(buf[:]))
}

func identityIDFromUint64(value uint64) int64 {
	value &= identityIDMask
	if value == 0 {
		return 1
	}
	return int64(value)
}

// ResolveOrCreateGuest returns the guest identity for deviceID, creating one when absent.
// The boolean reports whether the identity was created by this call.
func (r *Resolver) ResolveOrCreateGuest(ctx context.Context, deviceID string) (Identity, bool, error) {
	if deviceID != "" {
		identity, found, err := r.touchGuest(ctx, deviceID)
		if err != nil || found {
			return identity, false, err
		}
	}

	candidate := DeriveGuestID(deviceID, r.secret)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		if attempt > 0 {
			candidate = r.randomID()
		}
		loginAt := r.now().UTC()
		identity := Identity{
			UserID:      candidate,
			DeviceID:    optionalString(deviceID),
			LoginType:   LoginTypeGuest,
			LastLoginAt: &loginAt,
		}
		err := r.directory.Create(ctx, &identity)
		if err == nil {
			return identity, true, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Identity{}, false, err
		}

		// A concurrent login for the same device may have won the insert.
		if deviceID != "" {
			existing, found, lookupErr := r.touchGuest(ctx, deviceID)
			if lookupErr != nil || found {
				return existing, false, lookupErr
			}
		}
		r.logger.Debug("guest identity id collision",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return Identity{}, false, ErrIdentityCreationExhausted
}

// ResolveOrCreateLocal returns the local identity for email, creating one when absent.
func (r *Resolver) ResolveOrCreateLocal(ctx context.Context, email, displayName string) (Identity, bool, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return Identity{}, false, fmt.Errorf("%w: email is required", ErrInvalidArgument)
	}

	identity, err := r.directory.FindByEmail(ctx, normalized)
	switch {
	case err == nil:
		if identity.LoginType != LoginTypeLocal {
			return Identity{}, false, fmt.Errorf("%w: email registered as %s", ErrModeConflict, identity.LoginType)
		}
		if err := r.directory.TouchLastLogin(ctx, &identity, r.now().UTC()); err != nil {
			return Identity{}, false, err
		}
		return identity, false, nil
	case !errors.Is(err, ErrNotFound):
		return Identity{}, false, err
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		loginAt := r.now().UTC()
		identity = Identity{
			UserID:      r.randomID(),
			Email:       &normalized,
			DisplayName: optionalString(displayName),
			LoginType:   LoginTypeLocal,
			LastLoginAt: &loginAt,
		}
		err := r.directory.Create(ctx, &identity)
		if err == nil {
			return identity, true, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Identity{}, false, err
		}

		// Email uniqueness is enforced by the store; losing that race is not an id collision.
		if _, lookupErr := r.directory.FindByEmail(ctx, normalized); lookupErr == nil {
			return Identity{}, false, fmt.Errorf("%w: email registered concurrently", ErrIdentityCreationFailed)
		} else if !errors.Is(lookupErr, ErrNotFound) {
			return Identity{}, false, lookupErr
		}
		r.logger.Debug("local identity id collision",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return Identity{}, false, ErrIdentityCreationExhausted
}

func (r *Resolver) touchGuest(ctx context.Context, deviceID string) (Identity, bool, error) {
	identity, err := r.directory.FindGuestByDevice(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	if err := r.directory.TouchLastLogin(ctx, &identity, r.now().UTC()); err != nil {
		return Identity{}, false, err
	}
	return identity, true, nil
}
