package users

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// LoginType enumerates the ways an identity can authenticate.
type LoginType string

const (
	// LoginTypeGuest identifies anonymous identities keyed by an optional device fingerprint.
	LoginTypeGuest LoginType = "guest"
	// LoginTypeLocal identifies identities keyed by an email address.
	LoginTypeLocal LoginType = "local"
)

// Identity is one authenticated principal. UserID is the public handle returned to clients.
type Identity struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      int64          `gorm:"column:user_id;not null;uniqueIndex:idx_click_user_user_id"`
	DeviceID    *string        `gorm:"column:device_id;size:128;index:idx_click_user_guest_device,unique,where:login_type = 'guest' AND deleted_at IS NULL"`
	Email       *string        `gorm:"column:email;size:255;index:idx_click_user_email,unique,where:deleted_at IS NULL"`
	DisplayName *string        `gorm:"column:display_name;size:255"`
	LoginType   LoginType      `gorm:"column:login_type;size:32;not null;index"`
	LastLoginAt *time.Time     `gorm:"column:last_login_at"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "click_user"
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
