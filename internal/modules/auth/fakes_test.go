package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"pantry/internal/domain"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*domain.User{}}
}

func (r *fakeUserRepo) Create(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == normalizeEmail(u.Email) {
			return domain.ErrDuplicate
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normalizeEmail(u.Email)
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == normalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUserRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := r.GetByEmail(ctx, email)
	return err == nil, nil
}

func (r *fakeUserRepo) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(u *domain.User) { u.LastLogin = &at })
}

func (r *fakeUserRepo) UpdatePassword(_ context.Context, id, hash string) error {
	return r.mutate(id, func(u *domain.User) { u.PasswordHash = &hash })
}

func (r *fakeUserRepo) MarkVerified(_ context.Context, id string) error {
	return r.mutate(id, func(u *domain.User) { u.IsVerified = true })
}

func (r *fakeUserRepo) mutate(id string, fn func(u *domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(u)
	return nil
}

type fakeRefreshRepo struct {
	mu          sync.Mutex
	rows        map[string]*domain.RefreshToken
	generations map[string]int64
	lookupErr   error
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{rows: map[string]*domain.RefreshToken{}, generations: map[string]int64{}}
}

func (r *fakeRefreshRepo) Create(_ context.Context, t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Generation = r.generations[t.UserID]
	r.insertLocked(t)
	return nil
}

// insertRaw stores t with whatever generation it already carries.
func (r *fakeRefreshRepo) insertRaw(t *domain.RefreshToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(t)
}

func (r *fakeRefreshRepo) insertLocked(t *domain.RefreshToken) {
	cp := *t
	r.rows[t.ID] = &cp
}

func (r *fakeRefreshRepo) GetByHash(_ context.Context, hash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	for _, row := range r.rows {
		if row.TokenHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRefreshRepo) Generation(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[userID], nil
}

func (r *fakeRefreshRepo) Revoke(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok && !row.IsRevoked {
		row.IsRevoked = true
		row.RevokedAt = &at
	}
	return nil
}

func (r *fakeRefreshRepo) RevokeFamily(_ context.Context, familyID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.FamilyID == familyID && !row.IsRevoked {
			row.IsRevoked = true
			row.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *fakeRefreshRepo) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generations[userID]++
	var n int64
	for _, row := range r.rows {
		if row.UserID == userID && !row.IsRevoked {
			row.IsRevoked = true
			row.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *fakeRefreshRepo) Rotate(_ context.Context, old, next *domain.RefreshToken, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[old.ID]
	if !ok || row.IsRevoked {
		return domain.ErrStale
	}
	row.IsRevoked = true
	row.RevokedAt = &at
	nextID := next.ID
	row.ReplacedByID = &nextID
	next.Generation = r.generations[next.UserID]
	r.insertLocked(next)
	return nil
}

func (r *fakeRefreshRepo) DeleteExpired(_ context.Context, now, revokedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if !now.Before(row.ExpiresAt) || (row.IsRevoked && row.RevokedAt.Before(revokedBefore)) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type fakeVerificationRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.VerificationToken
}

func newFakeVerificationRepo() *fakeVerificationRepo {
	return &fakeVerificationRepo{rows: map[string]*domain.VerificationToken{}}
}

func (r *fakeVerificationRepo) Create(_ context.Context, t *domain.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *fakeVerificationRepo) GetByHash(_ context.Context, hash string) (*domain.VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TokenHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeVerificationRepo) IncrementAttempts(_ context.Context, id string) (*domain.VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	row.Attempts++
	cp := *row
	return &cp, nil
}

func (r *fakeVerificationRepo) MarkVerified(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.VerifiedAt != nil {
		return domain.ErrStale
	}
	row.VerifiedAt = &at
	return nil
}

func (r *fakeVerificationRepo) Latest(_ context.Context, userID string, kind domain.VerificationKind) (*domain.VerificationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.VerificationToken
	for _, row := range r.rows {
		if row.UserID != userID || row.Kind != kind {
			continue
		}
		if latest == nil || row.RequestedAt.After(latest.RequestedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeVerificationRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if !now.Before(row.ExpiresAt) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeVerificationRepo) setAttempts(id string, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[id].Attempts = attempts
}

func (r *fakeVerificationRepo) get(id string) domain.VerificationToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

// MockMailer records sent tokens so tests can play the user clicking a link.
type MockMailer struct {
	mock.Mock
	mu     sync.Mutex
	tokens map[string]string
}

func newMockMailer() *MockMailer {
	m := &MockMailer{tokens: map[string]string{}}
	m.On("SendVerificationToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockMailer) SendVerificationToken(ctx context.Context, email string, kind domain.VerificationKind, token string) error {
	m.mu.Lock()
	m.tokens[email+"|"+string(kind)] = token
	m.mu.Unlock()
	args := m.Called(ctx, email, kind, token)
	return args.Error(0)
}

func (m *MockMailer) lastToken(email string, kind domain.VerificationKind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email+"|"+string(kind)]
}
