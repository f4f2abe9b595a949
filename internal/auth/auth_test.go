// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/erimtech/internal/docstore"
)

func TestMain(m *testing.M) {
	// opencensus (via firestore) starts a worker goroutine in its package init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fixture struct {
	svc   *Service
	store docstore.Store
	now   *time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "auth.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	f := &fixture{store: store}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.now = &now
	f.svc = New(store, opts, zaptest.NewLogger(t))
	f.svc.now = func() time.Time { return *f.now }
	return f
}

func TestSignUp(t *testing.T) {
	f := newFixture(t, Options{AdminEmails: []string{" Boss@Example.com "}})
	ctx := context.Background()

	sess, err := f.svc.SignUp(ctx, "  Ada@Example.COM ", "correct horse", "")
	require.NoError(t, err)
	assert.Len(t, sess.Token, 64)
	assert.Equal(t, "ada@example.com", sess.User.Email)
	assert.Equal(t, "ada", sess.User.DisplayName)
	assert.Equal(t, RoleUser, sess.User.Role)
	assert.Equal(t, PlanExplorer, sess.User.Plan)
	assert.Equal(t, StatusActive, sess.User.Status)

	_, err = f.svc.SignUp(ctx, "ada@example.com", "another pass", "Ada")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = f.svc.SignUp(ctx, "not-an-email", "long enough", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.svc.SignUp(ctx, "bob@example.com", "short", "")
	assert.ErrorIs(t, err, ErrWeakPassword)

	admin, err := f.svc.SignUp(ctx, "boss@example.com", "administrator", "Boss")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.User.Role)
	assert.True(t, admin.User.IsAdmin())

	// The profile never carries the password hash.
	var raw map[string]any
	require.NoError(t, f.store.Get(ctx, docstore.Users, sess.User.UID, &raw))
	assert.NotContains(t, raw, "passwordHash")
}

func TestSignUpConcurrentSameEmail(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const n = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrEmailTaken)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	docs, err := f.store.Query(ctx, docstore.Users, docstore.Where("email", "ada@example.com"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

// failingUsers rejects writes to the users collection.
type failingUsers struct {
	docstore.Store
}

func (s failingUsers) Set(ctx context.Context, collection, id string, v any) error {
	if collection == docstore.Users {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, collection, id, v)
}

func TestSignUpRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	broken := New(failingUsers{f.store}, Options{BcryptCost: bcrypt.MinCost}, zaptest.NewLogger(t))
	_, err := broken.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	require.Error(t, err)

	for _, coll := range []string{docstore.Credentials, docstore.EmailIndex} {
		docs, err := f.store.Query(ctx, coll, docstore.Query{})
		require.NoError(t, err)
		assert.Empty(t, docs, coll)
	}

	_, err = f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	assert.NoError(t, err, "email is free again after a failed sign-up")
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sess, err := f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	require.NoError(t, err)
	second, err := f.svc.SignIn(ctx, "ada@example.com", "correct horse", "")
	require.NoError(t, err)
	anon, err := f.svc.SignInAnonymous(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteAccount(ctx, sess.User.UID))
	for _, tok := range []string{sess.Token, second.Token} {
		_, err = f.svc.Resolve(ctx, tok)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	}
	_, err = f.svc.SignIn(ctx, "ada@example.com", "correct horse", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, f.svc.DeleteAccount(ctx, sess.User.UID), ErrUserNotFound)

	_, err = f.svc.Resolve(ctx, anon.Token)
	assert.NoError(t, err, "other sessions survive")
	require.NoError(t, f.svc.DeleteAccount(ctx, anon.User.UID))

	_, err = f.svc.SignUp(ctx, "ada@example.com", "new password", "Ada")
	assert.NoError(t, err)
}

func TestSignInAndResolve(t *testing.T) {
	f := newFixture(t, Options{SessionTTL: time.Hour})
	ctx := context.Background()

	_, err := f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	require.NoError(t, err)

	_, err = f.svc.SignIn(ctx, "ada@example.com", "wrong horse", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "nobody@example.com", "whatever1", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	sess, err := f.svc.SignIn(ctx, "ADA@example.com", "correct horse", "")
	require.NoError(t, err)

	got, err := f.svc.Resolve(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.UID, got.User.UID)

	_, err = f.svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.Resolve(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Sessions are keyed by token hash, never the raw token.
	var doc sessionDoc
	assert.ErrorIs(t, f.store.Get(ctx, docstore.Sessions, sess.Token, &doc), docstore.ErrNotFound)
	require.NoError(t, f.store.Get(ctx, docstore.Sessions, HashToken(sess.Token), &doc))

	*f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sess, err := f.svc.SignInAnonymous(ctx)
	require.NoError(t, err)
	assert.True(t, sess.User.Anonymous)
	assert.Equal(t, "Anonymous", sess.User.Label())

	require.NoError(t, f.svc.SignOut(ctx, sess.Token))
	_, err = f.svc.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.NoError(t, f.svc.SignOut(ctx, sess.Token), "signing out twice is harmless")
}

func TestSuspendedUser(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sess, err := f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	require.NoError(t, err)
	require.NoError(t, f.store.Update(ctx, docstore.Users, sess.User.UID, map[string]any{"status": "suspended"}))

	_, err = f.svc.SignIn(ctx, "ada@example.com", "correct horse", "")
	assert.ErrorIs(t, err, ErrSuspended)
	_, err = f.svc.Resolve(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestLockout(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.SignUp(ctx, "ada@example.com", "correct horse", "Ada")
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := f.svc.SignIn(ctx, "ada@example.com", "nope nope", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = f.svc.SignIn(ctx, "ada@example.com", "correct horse", "")
	assert.ErrorIs(t, err, ErrLocked)

	*f.now = f.now.Add(DefaultLockoutDuration + time.Second)
	_, err = f.svc.SignIn(ctx, "ada@example.com", "correct horse", "")
	assert.NoError(t, err)
}

func TestLockoutForgetsStaleRecords(t *testing.T) {
	l := newLockout(3, time.Minute)
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		l.record(fmt.Sprintf("user%d@example.com", i), false, t0)
	}
	assert.Equal(t, 100, l.size())

	l.record("late@example.com", false, t0.Add(2*time.Minute))
	assert.Equal(t, 1, l.size())

	// Failures spread wider than the window never lock.
	id := "slow@example.com"
	now := t0.Add(10 * time.Minute)
	for i := 0; i < 5; i++ {
		l.record(id, false, now)
		assert.False(t, l.locked(id, now), "attempt %d", i)
		now = now.Add(time.Minute)
	}
}

func TestAdminTOTP(t *testing.T) {
	f := newFixture(t, Options{AdminEmails: []string{"boss@example.com"}})
	ctx := context.Background()

	sess, err := f.svc.SignUp(ctx, "boss@example.com", "administrator", "Boss")
	require.NoError(t, err)

	url, err := f.svc.EnrollTOTP(ctx, sess.User.UID)
	require.NoError(t, err)
	key, err := otp.NewKeyFromURL(url)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOTPIssuer, key.Issuer())

	_, err = f.svc.SignIn(ctx, "boss@example.com", "administrator", "")
	assert.ErrorIs(t, err, ErrTOTPRequired)
	_, err = f.svc.SignIn(ctx, "boss@example.com", "administrator", "000000x")
	assert.ErrorIs(t, err, ErrInvalidTOTP)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	_, err = f.svc.SignIn(ctx, "boss@example.com", "administrator", code)
	assert.NoError(t, err)
}

func TestRecordPrompt(t *testing.T) {
	f := newFixture(t, Options{ExplorerDaily: 2})
	ctx := context.Background()
	sess, err := f.svc.SignInAnonymous(ctx)
	require.NoError(t, err)
	uid := sess.User.UID

	left, err := f.svc.RecordPrompt(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	left, err = f.svc.RecordPrompt(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	_, err = f.svc.RecordPrompt(ctx, uid)
	assert.ErrorIs(t, err, ErrPromptQuotaExceeded)

	*f.now = f.now.Add(24 * time.Hour)
	left, err = f.svc.RecordPrompt(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 1, left, "counter resets on a new day")

	require.NoError(t, f.store.Update(ctx, docstore.Users, uid, map[string]any{"plan": string(PlanVisionary)}))
	for i := 0; i < 5; i++ {
		left, err = f.svc.RecordPrompt(ctx, uid)
		require.NoError(t, err)
	}
	assert.Equal(t, Unlimited, left)
}

func TestParseEnums(t *testing.T) {
	r, err := ParseRole("Admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)
	_, err = ParseRole("root")
	assert.Error(t, err)

	st, err := ParseStatus("suspended")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, st)

	p, err := ParsePlan(" innovator ")
	require.NoError(t, err)
	assert.Equal(t, PlanInnovator, p)
	_, err = ParsePlan("gold")
	assert.Error(t, err)
}
