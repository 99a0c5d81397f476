package account

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"curricullm/internal/auth"
	"curricullm/internal/config"
	"curricullm/internal/models"
	"curricullm/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) *Service {
	return NewService(openTestDB(t), auth.NewPasswordHasher(bcrypt.MinCost))
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUp(ctx, "  Alice@Example.COM ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, models.ProviderEmail, user.Provider)

	got, err := svc.SignIn(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.SignIn(ctx, "alice@example.com", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"missing at", "alice.example.com", "secret1", ErrInvalidEmail},
		{"empty", "", "secret1", ErrInvalidEmail},
		{"short password", "bob@example.com", "12345", ErrWeakPassword},
		{"password past bcrypt limit", "erin@example.com", strings.Repeat("a", 73), ErrPasswordTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, tc.email, tc.password)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := svc.SignUp(ctx, "carol@example.com", "secret1")
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, "frank@example.com", strings.Repeat("b", 72))
	require.NoError(t, err, "72 bytes is accepted")
	_, err = svc.SignUp(ctx, "CAROL@example.com", "another1")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestFindOrCreateOAuthUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.FindOrCreateOAuthUser(ctx, models.ProviderGoogle, "dave@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, first.Provider)

	again, err := svc.FindOrCreateOAuthUser(ctx, models.ProviderGoogle, "Dave@Example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = svc.SignIn(ctx, "dave@example.com", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "oauth-only accounts have no password")
}

func TestDeleteUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUp(ctx, "erin@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteUser(ctx, user.ID))
	assert.ErrorIs(t, svc.DeleteUser(ctx, user.ID), ErrNotFound)

	_, err = svc.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
