package users

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testSecret = "s"

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	return db
}

func newTestResolver(t *testing.T, db *gorm.DB, randomID func() int64) *Resolver {
	t.Helper()
	directory, err := NewGormDirectory(db)
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	resolver, err := NewResolver(ResolverConfig{
		Directory: directory,
		Secret:    testSecret,
		Clock: func() time.Time {
			return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		},
		RandomID: randomID,
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	return resolver
}

func fixedIDs(ids ...int64) func() int64 {
	index := 0
	return func() int64 {
		id := ids[index%len(ids)]
		index++
		return id
	}
}

// scriptedDirectory is an in-memory Directory whose answers are set per test.
type scriptedDirectory struct {
	emailLookups []error
	createErr    error
	creates      int
	touches      int
	stored       Identity
}

func (d *scriptedDirectory) FindGuestByDevice(context.Context, string) (Identity, error) {
	return Identity{}, ErrNotFound
}

func (d *scriptedDirectory) FindByEmail(context.Context, string) (Identity, error) {
	if len(d.emailLookups) == 0 {
		return Identity{}, ErrNotFound
	}
	err := d.emailLookups[0]
	d.emailLookups = d.emailLookups[1:]
	if err != nil {
		return Identity{}, err
	}
	return d.stored, nil
}

func (d *scriptedDirectory) Create(_ context.Context, identity *Identity) error {
	d.creates++
	if d.createErr != nil {
		return d.createErr
	}
	d.stored = *identity
	return nil
}

func (d *scriptedDirectory) TouchLastLogin(_ context.Context, identity *Identity, at time.Time) error {
	d.touches++
	identity.LastLoginAt = &at
	return nil
}
