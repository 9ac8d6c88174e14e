package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightsout/internal/domain"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "db", "builds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_AttemptLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	requested := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	attempt := &domain.BuildAttempt{
		ID:          "a1",
		Version:     "1.0.1",
		State:       domain.BuildStateBuilding,
		Force:       true,
		RequestedAt: requested,
	}
	require.NoError(t, repo.RecordAttempt(ctx, attempt))

	attempts, err := repo.ListAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.BuildStateBuilding, attempts[0].State)
	assert.True(t, attempts[0].Force)
	assert.Nil(t, attempts[0].FinishedAt)

	finished := requested.Add(90 * time.Second)
	attempt.State = domain.BuildStateCommitted
	attempt.Filename = "firmware_v1.0.1.bin"
	attempt.FinishedAt = &finished
	require.NoError(t, repo.FinishAttempt(ctx, attempt))

	attempts, err = repo.ListAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	got := attempts[0]
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, domain.BuildStateCommitted, got.State)
	assert.Equal(t, "firmware_v1.0.1.bin", got.Filename)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
	assert.True(t, requested.Equal(got.RequestedAt))
}

func TestRepository_ListAttemptsNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, repo.RecordAttempt(ctx, &domain.BuildAttempt{
			ID:          id,
			Version:     "1.0.0",
			State:       domain.BuildStateFailed,
			RequestedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	attempts, err := repo.ListAttempts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "new", attempts[0].ID)
	assert.Equal(t, "mid", attempts[1].ID)
}

func TestRepository_FinishUnknownAttempt(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.FinishAttempt(context.Background(), &domain.BuildAttempt{ID: "nope", State: domain.BuildStateFailed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_CleanupOldAttempts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.RecordAttempt(ctx, &domain.BuildAttempt{
		ID: "ancient", Version: "1.0.1", State: domain.BuildStateCommitted, RequestedAt: now.Add(-200 * 24 * time.Hour),
	}))
	require.NoError(t, repo.RecordAttempt(ctx, &domain.BuildAttempt{
		ID: "stuck", Version: "1.0.2", State: domain.BuildStateBuilding, RequestedAt: now.Add(-200 * 24 * time.Hour),
	}))
	require.NoError(t, repo.RecordAttempt(ctx, &domain.BuildAttempt{
		ID: "recent", Version: "1.0.3", State: domain.BuildStateFailed, RequestedAt: now.Add(-time.Hour),
	}))

	removed, err := repo.CleanupOldAttempts(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	attempts, err := repo.ListAttempts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}
