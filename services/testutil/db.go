package testutil

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"profilehub/pkg/config"
	"profilehub/pkg/db"
	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/sync"
)

// NewTestDB opens an in-memory SQLite database, migrates the given
// models and closes the connection when the test finishes.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	conn, err := db.NewTest(t.Name())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if len(models) > 0 {
		if err := conn.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate test database: %v", err)
		}
	}

	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return conn
}

// NewHubDB migrates the full hub schema, for tests that exercise several
// services together.
func NewHubDB(t *testing.T) *gorm.DB {
	t.Helper()
	return NewTestDB(t,
		&identity.Organisation{},
		&identity.User{},
		&identity.UserOrg{},
		&identity.OrcidToken{},
		&invitation.UserInvitation{},
		&sync.Task{},
		&sync.Record{},
		&sync.Invitee{},
	)
}

// NewConfig returns a config with the defaults tests rely on.
func NewConfig() *config.Config {
	return &config.Config{
		AppEnv:  "test",
		AppName: "profilehub-test",
		Hub: config.Hub{
			BaseURL:   "https://hub.test",
			SecretKey: "test-secret",
		},
		Orcid: config.Orcid{
			APIBaseURL:    "https://api.sandbox.test/v3.0",
			TokenURL:      "https://sandbox.test/oauth/token",
			PublicBaseURL: "https://sandbox.test",
			Timeout:       5 * time.Second,
		},
		Invitation: config.Invitation{
			TTL:      15 * 24 * time.Hour,
			FirstTTL: 30 * 24 * time.Hour,
			ResetTTL: 15 * 24 * time.Hour,
		},
		Webhook: config.Webhook{
			RetryDelay:  5 * time.Minute,
			MaxAttempts: 3,
		},
		Batch: config.Batch{
			MaxRows:      20,
			SyncSchedule: "@every 5m",
		},
	}
}
