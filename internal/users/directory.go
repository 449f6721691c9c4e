package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no non-deleted identity matched a lookup.
	ErrNotFound = errors.New("users: identity not found")
	// ErrDuplicate indicates that an insert violated a uniqueness constraint.
	ErrDuplicate = errors.New("users: duplicate identity")
)

// Directory is the persistence capability the resolver depends on.
// Lookups never return soft-deleted identities. Create reports ErrDuplicate
// when a unique constraint rejects the row.
type Directory interface {
	FindGuestByDevice(ctx context.Context, deviceID string) (Identity, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	Create(ctx context.Context, identity *Identity) error
	TouchLastLogin(ctx context.Context, identity *Identity, at time.Time) error
}

// GormDirectory stores identities through GORM.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory wraps a GORM handle as a Directory.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &GormDirectory{db: db}, nil
}

// FindGuestByDevice returns the guest identity registered for deviceID.
func (d *GormDirectory) FindGuestByDevice(ctx context.Context, deviceID string) (Identity, error) {
	var identity Identity
	err := d.db.WithContext(ctx).
		Where("login_type = ? AND device_id = ?", LoginTypeGuest, deviceID).
		Take(&identity).
		Error
	return identity, translateLookupError(err)
}

// FindByEmail returns the identity registered for an already normalized email.
func (d *GormDirectory) FindByEmail(ctx context.Context, email string) (Identity, error) {
	var identity Identity
	err := d.db.WithContext(ctx).
		Where("email = ?", email).
		Take(&identity).
		Error
	return identity, translateLookupError(err)
}

// Create inserts the identity and populates its generated columns.
func (d *GormDirectory) Create(ctx context.Context, identity *Identity) error {
	err := d.db.WithContext(ctx).Create(identity).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// TouchLastLogin records a successful login on an existing identity.
func (d *GormDirectory) TouchLastLogin(ctx context.Context, identity *Identity, at time.Time) error {
	result := d.db.WithContext(ctx).
		Model(&Identity{}).
		Where("id = ?", identity.ID).
		Update("last_login_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	identity.LastLoginAt = &at
	return nil
}

func translateLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation recognises translated GORM errors and the raw sqlite/postgres messages.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
