package db

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surajsub/etl-run-portal/config"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("portal"),
		postgres.WithUsername("portal"),
		postgres.WithPassword("portal"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := config.DBConfig{
		Driver: "postgres", Host: host, Port: port.Int(),
		User: "portal", Password: "portal", Name: "portal", SSLMode: "disable",
	}
	gdb, err := InitDB(cfg)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, gdb, cfg))
	// second run must be a no-op
	require.NoError(t, Migrate(ctx, gdb, cfg))
	s := NewStore(gdb)

	t.Run("concurrent failures are not lost", func(t *testing.T) {
		u := &User{Email: "race@example.com", PasswordHash: "x", Role: models.RoleUser}
		require.NoError(t, s.CreateUser(ctx, u))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateLoginState(ctx, u.ID, func(u *User) error {
					u.FailedLoginAttempts++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.FailedLoginAttempts)
	})

	t.Run("duplicate email is a conflict", func(t *testing.T) {
		require.NoError(t, s.CreateUser(ctx, &User{Email: "dup@example.com", PasswordHash: "x", Role: models.RoleUser}))
		err := s.CreateUser(ctx, &User{Email: "dup@example.com", PasswordHash: "x", Role: models.RoleUser})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("check constraint rejects unknown status", func(t *testing.T) {
		_, run := seedRunWithEmail(t, s, "check@example.com")
		err := gdb.Exec("UPDATE runs SET status = 'queued' WHERE id = ?", run.ID).Error
		assert.Error(t, err)
	})

	t.Run("log dedup", func(t *testing.T) {
		_, run := seedRunWithEmail(t, s, "logs@example.com")
		lines := []Log{{RunID: run.ID, LogLevel: models.LogInfo, Message: "x", Timestamp: *run.StartedAt}}
		n, err := s.AppendLogs(ctx, lines)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		lines = []Log{{RunID: run.ID, LogLevel: models.LogInfo, Message: "x", Timestamp: *run.StartedAt}}
		n, err = s.AppendLogs(ctx, lines)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})
}
