// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apikeys issues developer API keys and enforces their daily quota
// and per-minute rate.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/logging"
)

const (
	// Prefix starts every free-tier key.
	Prefix = "erimtech_free_"

	// BodyLength is the number of random base36 characters after Prefix.
	BodyLength = 30

	// TierFree is the only tier issued today.
	TierFree = "free"

	DefaultDailyLimit        = 1000
	DefaultRequestsPerMinute = 60
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	// ErrNoKey is returned by Get when the user has never generated a key.
	ErrNoKey = errors.New("no API key generated")

	// ErrInvalidKey is returned for unknown or malformed keys.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrQuotaExceeded is returned once the daily limit is used up.
	ErrQuotaExceeded = errors.New("daily API quota exceeded")

	// ErrRateLimited is returned when a key sends requests too quickly.
	ErrRateLimited = errors.New("API rate limit exceeded")
)

// Key is stored at apiKeys/{uid}.
type Key struct {
	Key       string    `json:"key"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// Usage reports a user's consumption for the current UTC day.
type Usage struct {
	RequestsToday int    `json:"requestsToday"`
	Limit         int    `json:"limit"`
	Day           string `json:"day"`
}

// Remaining returns how many requests are left today.
func (u Usage) Remaining() int {
	if r := u.Limit - u.RequestsToday; r > 0 {
		return r
	}
	return 0
}

type indexEntry struct {
	UID string `json:"uid"`
}

type usageDoc struct {
	RequestsToday int    `json:"requestsToday"`
	Day           string `json:"day"`
}

// =============================================================================
// SERVICE
// =============================================================================

// Options sets the quota. Zero values take the defaults.
type Options struct {
	DailyLimit        int
	RequestsPerMinute int
}

// Service manages keys in a document store.
type Service struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time

	// mu guards states, lastSweep and the limits. Store I/O happens under
	// the per-user keyState lock only.
	mu        sync.Mutex
	states    map[string]*keyState
	lastSweep time.Time
	daily     int
	rpm       int
}

// keyState is the in-memory state for one key owner.
type keyState struct {
	// mu serialises usage read-modify-write cycles for the owner.
	mu   sync.Mutex
	lim  *rate.Limiter
	seen time.Time
	refs int
}

// limiterIdle is how long a limiter must be unused before it is dropped.
// After a minute the bucket has refilled, so a fresh limiter is equivalent.
const limiterIdle = time.Minute

// New creates a Service.
func New(store docstore.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:  store,
		log:    log.Named("apikeys"),
		now:    docstore.Now,
		states: make(map[string]*keyState),
	}
	s.SetLimits(opts.DailyLimit, opts.RequestsPerMinute)
	return s
}

// SetLimits changes the quota for all keys, including live limiters.
func (s *Service) SetLimits(daily, rpm int) {
	if daily <= 0 {
		daily = DefaultDailyLimit
	}
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = daily
	if rpm != s.rpm {
		s.rpm = rpm
		for _, st := range s.states {
			st.lim.SetLimit(perMinute(rpm))
			st.lim.SetBurst(rpm)
		}
	}
}

// acquire returns uid's state with its lock held. Pair with release.
func (s *Service) acquire(uid string) *keyState {
	now := s.now()
	s.mu.Lock()
	st, ok := s.states[uid]
	if !ok {
		st = &keyState{lim: rate.NewLimiter(perMinute(s.rpm), s.rpm)}
		s.states[uid] = st
	}
	st.refs++
	st.seen = now
	s.sweepLocked(now)
	s.mu.Unlock()

	st.mu.Lock()
	return st
}

func (s *Service) release(st *keyState) {
	st.mu.Unlock()
	s.mu.Lock()
	st.refs--
	s.mu.Unlock()
}

// sweepLocked drops idle states at most once per limiterIdle. Must be
// called with mu held.
func (s *Service) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < limiterIdle {
		return
	}
	s.lastSweep = now
	for uid, st := range s.states {
		if st.refs == 0 && now.Sub(st.seen) >= limiterIdle {
			delete(s.states, uid)
		}
	}
}

// forget drops uid's limiter unless a request is using it.
func (s *Service) forget(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[uid]; ok && st.refs == 0 {
		delete(s.states, uid)
	}
}

// tracked returns the number of owners with in-memory state.
func (s *Service) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func perMinute(rpm int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(rpm))
}

// NewKey returns a fresh random key.
func NewKey() (string, error) {
	var sb strings.Builder
	sb.Grow(len(Prefix) + BodyLength)
	sb.WriteString(Prefix)
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < BodyLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		sb.WriteByte(base36[n.Int64()])
	}
	return sb.String(), nil
}

// WellFormed reports whether key has the shape of an issued key.
func WellFormed(key string) bool {
	if !strings.HasPrefix(key, Prefix) || len(key) != len(Prefix)+BodyLength {
		return false
	}
	for _, c := range key[len(Prefix):] {
		if !strings.ContainsRune(base36, c) {
			return false
		}
	}
	return true
}

// Hash returns the index id for key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns uid's key.
func (s *Service) Get(ctx context.Context, uid string) (*Key, error) {
	var k Key
	if err := s.store.Get(ctx, docstore.APIKeys, uid, &k); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNoKey
		}
		return nil, err
	}
	return &k, nil
}

// Generate returns uid's existing key, creating one if there is none.
func (s *Service) Generate(ctx context.Context, uid string) (*Key, error) {
	k, err := s.Get(ctx, uid)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, err
	}
	return s.Regenerate(ctx, uid)
}

// Regenerate replaces uid's key. The old key stops working immediately and
// today's usage is reset.
func (s *Service) Regenerate(ctx context.Context, uid string) (*Key, error) {
	old, err := s.Get(ctx, uid)
	if err != nil && !errors.Is(err, ErrNoKey) {
		return nil, err
	}

	raw, err := NewKey()
	if err != nil {
		return nil, err
	}
	k := &Key{Key: raw, Tier: TierFree, CreatedAt: s.now()}

	if old != nil {
		if err := s.store.Delete(ctx, docstore.APIKeyIndex, Hash(old.Key)); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("remove old key index: %w", err)
		}
	}
	if err := s.store.Set(ctx, docstore.APIKeys, uid, k); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	if err := s.store.Set(ctx, docstore.APIKeyIndex, Hash(raw), indexEntry{UID: uid}); err != nil {
		return nil, fmt.Errorf("index key: %w", err)
	}
	if err := s.store.Set(ctx, docstore.APIUsage, uid, usageDoc{Day: s.today()}); err != nil {
		return nil, fmt.Errorf("reset usage: %w", err)
	}

	s.forget(uid)

	s.log.Info("api key issued", zap.String("uid", uid), logging.Secret("key", raw))
	return k, nil
}

// Authenticate resolves key to its owner.
func (s *Service) Authenticate(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if !WellFormed(key) {
		return "", ErrInvalidKey
	}
	var idx indexEntry
	if err := s.store.Get(ctx, docstore.APIKeyIndex, Hash(key), &idx); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", ErrInvalidKey
		}
		return "", err
	}
	k, err := s.Get(ctx, idx.UID)
	if err != nil {
		if errors.Is(err, ErrNoKey) {
			return "", ErrInvalidKey
		}
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) != 1 {
		return "", ErrInvalidKey
	}
	return idx.UID, nil
}

// Usage returns uid's consumption for today.
func (s *Service) Usage(ctx context.Context, uid string) (*Usage, error) {
	st := s.acquire(uid)
	defer s.release(st)
	doc, err := s.loadUsage(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &Usage{RequestsToday: doc.RequestsToday, Limit: s.dailyLimit(), Day: doc.Day}, nil
}

// Consume charges one request to uid. The per-minute limiter is checked
// before the daily quota, so rate-limited requests do not use quota.
func (s *Service) Consume(ctx context.Context, uid string) (*Usage, error) {
	st := s.acquire(uid)
	defer s.release(st)

	if !st.lim.AllowN(s.now(), 1) {
		return nil, ErrRateLimited
	}

	doc, err := s.loadUsage(ctx, uid)
	if err != nil {
		return nil, err
	}
	usage := &Usage{RequestsToday: doc.RequestsToday, Limit: s.dailyLimit(), Day: doc.Day}
	if doc.RequestsToday >= usage.Limit {
		return usage, ErrQuotaExceeded
	}

	doc.RequestsToday++
	if err := s.store.Set(ctx, docstore.APIUsage, uid, doc); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	usage.RequestsToday = doc.RequestsToday
	return usage, nil
}

// Refund returns one request charged by Consume, for calls that failed
// upstream. It is a no-op once the day has rolled over.
func (s *Service) Refund(ctx context.Context, uid string) (*Usage, error) {
	st := s.acquire(uid)
	defer s.release(st)

	doc, err := s.loadUsage(ctx, uid)
	if err != nil {
		return nil, err
	}
	if doc.RequestsToday > 0 {
		doc.RequestsToday--
		if err := s.store.Set(ctx, docstore.APIUsage, uid, doc); err != nil {
			return nil, fmt.Errorf("refund usage: %w", err)
		}
	}
	return &Usage{RequestsToday: doc.RequestsToday, Limit: s.dailyLimit(), Day: doc.Day}, nil
}

// Delete removes uid's key, its index entry and its usage record. Missing
// documents are not an error.
func (s *Service) Delete(ctx context.Context, uid string) error {
	k, err := s.Get(ctx, uid)
	if err != nil && !errors.Is(err, ErrNoKey) {
		return err
	}
	if k != nil {
		if err := s.store.Delete(ctx, docstore.APIKeyIndex, Hash(k.Key)); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("remove key index: %w", err)
		}
	}
	for _, coll := range []string{docstore.APIKeys, docstore.APIUsage} {
		if err := s.store.Delete(ctx, coll, uid); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("delete %s/%s: %w", coll, uid, err)
		}
	}
	s.forget(uid)
	s.log.Info("api key deleted", zap.String("uid", uid))
	return nil
}

func (s *Service) dailyLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily
}

// loadUsage reads the usage document, rolling it over on a new UTC day.
// Must be called with the owner's keyState lock held.
func (s *Service) loadUsage(ctx context.Context, uid string) (usageDoc, error) {
	var doc usageDoc
	err := s.store.Get(ctx, docstore.APIUsage, uid, &doc)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return usageDoc{}, err
	}
	if today := s.today(); doc.Day != today {
		doc = usageDoc{Day: today}
	}
	return doc, nil
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}
