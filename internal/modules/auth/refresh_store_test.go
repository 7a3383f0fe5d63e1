package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantry/internal/domain"
)

const testRefreshTTL = 7 * 24 * time.Hour

func newTestStore() (*RefreshStore, *fakeRefreshRepo, *testClock) {
	clock := newTestClock()
	repo := newFakeRefreshRepo()
	return NewRefreshStore(repo, "test-pepper", testRefreshTTL, clock.Now), repo, clock
}

func TestRefreshStore_IssueStoresOnlyHash(t *testing.T) {
	store, repo, _ := newTestStore()
	ctx := context.Background()

	handle, rec, err := store.Issue(ctx, "user-1", map[string]string{"ip": "10.0.0.1"})
	require.NoError(t, err)

	assert.Len(t, handle, 64)
	assert.NotEqual(t, handle, rec.TokenHash)
	assert.Equal(t, hashTokenWithPepper(handle, "test-pepper"), rec.TokenHash)
	assert.Equal(t, "10.0.0.1", rec.DeviceInfo["ip"])
	assert.NotEmpty(t, rec.FamilyID)
	assert.Len(t, repo.rows, 1)
	assert.True(t, store.IsValid(ctx, handle))
}

func TestRefreshStore_ExpiryBoundary(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	issuedAt := clock.Now()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	clock.Set(issuedAt.Add(testRefreshTTL - time.Nanosecond))
	assert.True(t, store.IsValid(ctx, handle))

	clock.Set(issuedAt.Add(testRefreshTTL))
	assert.False(t, store.IsValid(ctx, handle))

	clock.Set(issuedAt.Add(testRefreshTTL + time.Nanosecond))
	assert.False(t, store.IsValid(ctx, handle))
}

func TestRefreshStore_RevokeIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, handle))
	require.NoError(t, store.Revoke(ctx, handle))
	assert.False(t, store.IsValid(ctx, handle))

	assert.NoError(t, store.Revoke(ctx, "never-issued"))
}

func TestRefreshStore_FailsClosed(t *testing.T) {
	store, repo, _ := newTestStore()
	ctx := context.Background()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	assert.False(t, store.IsValid(ctx, "unknown"))
	assert.False(t, store.IsValid(ctx, ""))

	repo.lookupErr = errors.New("connection reset")
	assert.False(t, store.IsValid(ctx, handle))
}

func TestRefreshStore_RevokeAllForUser(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	first, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	second, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	other, _, err := store.Issue(ctx, "user-2", nil)
	require.NoError(t, err)

	n, err := store.RevokeAllForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.False(t, store.IsValid(ctx, first))
	assert.False(t, store.IsValid(ctx, second))
	assert.True(t, store.IsValid(ctx, other))

	after, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.True(t, store.IsValid(ctx, after))
}

func TestRefreshStore_IssueRacingRevokeAllIsDeadOnArrival(t *testing.T) {
	store, repo, clock := newTestStore()
	ctx := context.Background()

	// An issue that read generation 0 but committed after the sweep.
	_, err := store.RevokeAllForUser(ctx, "user-1")
	require.NoError(t, err)

	raw, hash, err := generateOpaqueToken("test-pepper")
	require.NoError(t, err)
	repo.insertRaw(&domain.RefreshToken{
		ID:         uuid.NewString(),
		UserID:     "user-1",
		TokenHash:  hash,
		FamilyID:   uuid.NewString(),
		Generation: 0,
		CreatedAt:  clock.Now(),
		ExpiresAt:  clock.Now().Add(testRefreshTTL),
	})

	assert.False(t, store.IsValid(ctx, raw))
}

func TestRefreshStore_Rotate(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	rec, err := store.Lookup(ctx, handle)
	require.NoError(t, err)

	next, nextRec, err := store.Rotate(ctx, rec, nil)
	require.NoError(t, err)
	assert.NotEqual(t, handle, next)
	assert.Equal(t, rec.FamilyID, nextRec.FamilyID)
	assert.False(t, store.IsValid(ctx, handle))
	assert.True(t, store.IsValid(ctx, next))

	// Replaying the rotated handle burns the whole family.
	replayed, err := store.Lookup(ctx, handle)
	require.NoError(t, err)
	_, _, err = store.Rotate(ctx, replayed, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenReused)
	assert.False(t, store.IsValid(ctx, next))
}

func TestRefreshStore_RotateRevokedWithoutSuccessor(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, handle))

	rec, err := store.Lookup(ctx, handle)
	require.NoError(t, err)
	_, _, err = store.Rotate(ctx, rec, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshStore_RotateLostRace(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()

	handle, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	stale, err := store.Lookup(ctx, handle)
	require.NoError(t, err)

	winner, _, err := store.Rotate(ctx, stale, nil)
	require.NoError(t, err)

	// stale still says "not revoked"; the repository catches it.
	_, _, err = store.Rotate(ctx, stale, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenReused)
	assert.False(t, store.IsValid(ctx, winner))
}

func TestRefreshStore_Sweep(t *testing.T) {
	store, repo, clock := newTestStore()
	ctx := context.Background()

	_, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)
	clock.Advance(testRefreshTTL)
	live, _, err := store.Issue(ctx, "user-1", nil)
	require.NoError(t, err)

	n, err := store.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, repo.rows, 1)
	assert.True(t, store.IsValid(ctx, live))
}
