// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth implements email/password and anonymous sign-in, bearer
// sessions, admin TOTP and per-plan prompt quotas on top of a document
// store.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrWeakPassword        = errors.New("password is too short")
	ErrEmailTaken          = errors.New("an account with this email already exists")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrSuspended           = errors.New("account is suspended")
	ErrLocked              = errors.New("too many failed sign-in attempts, try again later")
	ErrTOTPRequired        = errors.New("authenticator code required")
	ErrInvalidTOTP         = errors.New("invalid authenticator code")
	ErrUnauthenticated     = errors.New("not signed in")
	ErrSessionExpired      = errors.New("session expired")
	ErrUserNotFound        = errors.New("user not found")
	ErrPromptQuotaExceeded = errors.New("daily prompt limit reached for your plan")
)

// =============================================================================
// SERVICE
// =============================================================================

const (
	DefaultSessionTTL        = 7 * 24 * time.Hour
	DefaultMinPasswordLength = 8
	DefaultTOTPIssuer        = "ERIMTECH AI"
	DefaultExplorerDaily     = 5
	DefaultInnovatorDaily    = 200

	// Unlimited is the prompt limit of the visionary plan.
	Unlimited = -1
)

// Options configures a Service. Zero values take the defaults.
type Options struct {
	AdminEmails       []string
	SessionTTL        time.Duration
	MinPasswordLength int
	TOTPIssuer        string
	ExplorerDaily     int
	InnovatorDaily    int

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Service is the authentication service.
type Service struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
	lock  *lockout

	// promptMu serialises prompt counter updates.
	promptMu sync.Mutex

	mu   sync.RWMutex
	opts Options
}

// New creates a Service.
func New(store docstore.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store: store,
		log:   log.Named("auth"),
		now:   docstore.Now,
		lock:  newLockout(DefaultMaxAttempts, DefaultLockoutDuration),
	}
	s.SetOptions(opts)
	return s
}

// SetOptions replaces the service options, filling in defaults.
func (s *Service) SetOptions(opts Options) {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = DefaultMinPasswordLength
	}
	if opts.TOTPIssuer == "" {
		opts.TOTPIssuer = DefaultTOTPIssuer
	}
	if opts.ExplorerDaily <= 0 {
		opts.ExplorerDaily = DefaultExplorerDaily
	}
	if opts.InnovatorDaily <= 0 {
		opts.InnovatorDaily = DefaultInnovatorDaily
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	admins := make([]string, 0, len(opts.AdminEmails))
	for _, e := range opts.AdminEmails {
		admins = append(admins, NormalizeEmail(e))
	}
	opts.AdminEmails = admins

	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailKey is the document id of an email claim.
func emailKey(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

// HashToken returns the session document id for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) isAdminEmail(email string) bool {
	for _, a := range s.options().AdminEmails {
		if a == email {
			return true
		}
	}
	return false
}

// =============================================================================
// SIGN UP / SIGN IN
// =============================================================================

// SignUp creates an account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*Session, error) {
	opts := s.options()
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if utf8.RuneCountInString(password) < opts.MinPasswordLength {
		return nil, fmt.Errorf("%w: at least %d characters", ErrWeakPassword, opts.MinPasswordLength)
	}
	if _, err := s.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	user := &UserData{
		UID:         uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		Role:        RoleUser,
		Status:      StatusActive,
		Plan:        PlanExplorer,
		LastLogin:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.isAdminEmail(email) {
		user.Role = RoleAdmin
	}

	// The email claim serialises concurrent sign-ups. Credentials are
	// written before the profile so a visible user can always sign in.
	emailID := emailKey(email)
	err = s.store.Create(ctx, docstore.EmailIndex, emailID, emailClaim{UID: user.UID})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("claim email: %w", err)
	}
	undo := func(collection, id string) {
		if err := s.store.Delete(context.WithoutCancel(ctx), collection, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			s.log.Warn("sign-up rollback failed", zap.String("collection", collection), zap.Error(err))
		}
	}
	if err := s.store.Set(ctx, docstore.Credentials, user.UID, credential{PasswordHash: string(hash)}); err != nil {
		undo(docstore.EmailIndex, emailID)
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	if err := s.store.Set(ctx, docstore.Users, user.UID, user); err != nil {
		undo(docstore.Credentials, user.UID)
		undo(docstore.EmailIndex, emailID)
		return nil, fmt.Errorf("save user: %w", err)
	}
	s.log.Info("user signed up", zap.String("uid", user.UID), zap.String("role", string(user.Role)))
	return s.newSession(ctx, user)
}

// SignIn checks an email and password. Admins with an enrolled
// authenticator must also pass a valid TOTP code.
func (s *Service) SignIn(ctx context.Context, email, password, totpCode string) (*Session, error) {
	email = NormalizeEmail(email)
	now := s.now()
	if s.lock.locked(email, now) {
		return nil, ErrLocked
	}

	fail := func(err error) (*Session, error) {
		s.lock.record(email, false, now)
		s.log.Info("sign-in failed", zap.String("email", logging.Fingerprint(email)), zap.Error(err))
		return nil, err
	}

	user, err := s.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return fail(ErrInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}

	var cred credential
	if err := s.store.Get(ctx, docstore.Credentials, user.UID, &cred); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	if cred.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return fail(ErrInvalidCredentials)
	}
	if user.Status == StatusSuspended {
		return nil, ErrSuspended
	}
	if user.Role == RoleAdmin && cred.TOTPSecret != "" {
		code := strings.TrimSpace(totpCode)
		if code == "" {
			return nil, ErrTOTPRequired
		}
		if !totp.Validate(code, cred.TOTPSecret) {
			return fail(ErrInvalidTOTP)
		}
	}

	s.lock.record(email, true, now)
	user.LastLogin = now
	if err := s.store.Update(ctx, docstore.Users, user.UID, map[string]any{"lastLogin": now}); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	return s.newSession(ctx, user)
}

// SignInAnonymous creates a throwaway explorer account.
func (s *Service) SignInAnonymous(ctx context.Context) (*Session, error) {
	now := s.now()
	user := &UserData{
		UID:         uuid.NewString(),
		DisplayName: "Anonymous",
		Role:        RoleUser,
		Status:      StatusActive,
		Plan:        PlanExplorer,
		Anonymous:   true,
		LastLogin:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Set(ctx, docstore.Users, user.UID, user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	return s.newSession(ctx, user)
}

func (s *Service) newSession(ctx context.Context, user *UserData) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	doc := sessionDoc{UID: user.UID, CreatedAt: now, ExpiresAt: now.Add(s.options().SessionTTL)}
	if err := s.store.Set(ctx, docstore.Sessions, HashToken(token), doc); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return &Session{Token: token, User: user, ExpiresAt: doc.ExpiresAt}, nil
}

// SignOut ends a session. Unknown tokens are ignored.
func (s *Service) SignOut(ctx context.Context, token string) error {
	err := s.store.Delete(ctx, docstore.Sessions, HashToken(token))
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	return nil
}

// DeleteAccount removes uid's sessions, credentials, email claim and
// profile, in that order. Missing pieces are skipped, so a failed delete
// can be retried.
func (s *Service) DeleteAccount(ctx context.Context, uid string) error {
	user, err := s.GetUser(ctx, uid)
	if err != nil {
		return err
	}
	n, err := s.RevokeSessions(ctx, uid)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if err := s.store.Delete(ctx, docstore.Credentials, uid); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if user.Email != "" {
		if err := s.store.Delete(ctx, docstore.EmailIndex, emailKey(user.Email)); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("release email: %w", err)
		}
	}
	err = s.store.Delete(ctx, docstore.Users, uid)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	s.log.Info("account deleted", zap.String("uid", uid), zap.Int("sessions", n))
	return nil
}

// RevokeSessions ends every session of uid and returns how many ended.
func (s *Service) RevokeSessions(ctx context.Context, uid string) (int, error) {
	docs, err := s.store.Query(ctx, docstore.Sessions, docstore.Where("uid", uid))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if err := s.store.Delete(ctx, docstore.Sessions, d.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return n, fmt.Errorf("revoke session: %w", err)
		}
		n++
	}
	return n, nil
}

// Resolve returns the session for a bearer token.
func (s *Service) Resolve(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	id := HashToken(token)
	var doc sessionDoc
	if err := s.store.Get(ctx, docstore.Sessions, id, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !s.now().Before(doc.ExpiresAt) {
		_ = s.store.Delete(ctx, docstore.Sessions, id)
		return nil, ErrSessionExpired
	}

	user, err := s.GetUser(ctx, doc.UID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if user.Status == StatusSuspended {
		return nil, ErrSuspended
	}
	return &Session{Token: token, User: user, ExpiresAt: doc.ExpiresAt}, nil
}

// =============================================================================
// USERS
// =============================================================================

// GetUser loads a user profile.
func (s *Service) GetUser(ctx context.Context, uid string) (*UserData, error) {
	var u UserData
	if err := s.store.Get(ctx, docstore.Users, uid, &u); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.UID = uid
	return &u, nil
}

// FindByEmail looks a user up by normalised email.
func (s *Service) FindByEmail(ctx context.Context, email string) (*UserData, error) {
	q := docstore.Where("email", NormalizeEmail(email))
	q.Limit = 1
	docs, err := s.store.Query(ctx, docstore.Users, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrUserNotFound
	}
	var u UserData
	if err := docs[0].DataTo(&u); err != nil {
		return nil, err
	}
	u.UID = docs[0].ID
	return &u, nil
}

// =============================================================================
// TOTP
// =============================================================================

// EnrollTOTP creates a new authenticator secret for uid and returns its
// otpauth:// URL. Any previous secret is replaced.
func (s *Service) EnrollTOTP(ctx context.Context, uid string) (string, error) {
	user, err := s.GetUser(ctx, uid)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.options().TOTPIssuer,
		AccountName: user.Label(),
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}

	var cred credential
	if err := s.store.Get(ctx, docstore.Credentials, uid, &cred); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return "", err
	}
	cred.TOTPSecret = key.Secret()
	if err := s.store.Set(ctx, docstore.Credentials, uid, cred); err != nil {
		return "", fmt.Errorf("save totp secret: %w", err)
	}
	s.log.Info("totp enrolled", zap.String("uid", uid))
	return key.URL(), nil
}

// =============================================================================
// PLAN QUOTA
// =============================================================================

// PromptLimit returns the daily prompt allowance for plan, or Unlimited.
func (s *Service) PromptLimit(plan Plan) int {
	opts := s.options()
	switch plan {
	case PlanVisionary:
		return Unlimited
	case PlanInnovator:
		return opts.InnovatorDaily
	default:
		return opts.ExplorerDaily
	}
}

// RecordPrompt charges one prompt to uid and returns the prompts left today
// (Unlimited for visionary users). The counter resets on a new UTC day.
func (s *Service) RecordPrompt(ctx context.Context, uid string) (int, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	user, err := s.GetUser(ctx, uid)
	if err != nil {
		return 0, err
	}
	today := s.now().UTC().Format("2006-01-02")
	count := user.PromptsToday
	if user.PromptDay != today {
		count = 0
	}

	limit := s.PromptLimit(user.Plan)
	if limit != Unlimited && count >= limit {
		return 0, ErrPromptQuotaExceeded
	}
	count++
	err = s.store.Update(ctx, docstore.Users, uid, map[string]any{
		"promptsToday": count,
		"promptDay":    today,
	})
	if err != nil {
		return 0, fmt.Errorf("record prompt: %w", err)
	}
	if limit == Unlimited {
		return Unlimited, nil
	}
	return limit - count, nil
}
