// Package auth issues, validates, refreshes, and revokes bearer session
// tokens against a durable key-value store. Only token digests are
// persisted; the raw token is returned to the caller exactly once.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cupstream/internal/clock"
	"cupstream/internal/kv"
	"cupstream/internal/observability/metrics"
)

const (
	tokenKeyPrefix = "auth:token:"

	// issueAttempts bounds regeneration on the (vanishingly unlikely) token
	// digest collision during Issue.
	issueAttempts = 4
)

// DefaultRetention keeps expired and revoked token records around for audit
// and replay prevention before the purger may remove them.
const DefaultRetention = 24 * time.Hour

var (
	// ErrInvalidSubjectID is returned when issuing a token without a subject.
	ErrInvalidSubjectID = errors.New("subject id is required")
	// ErrTokenNotFound is returned when no record exists for the token.
	ErrTokenNotFound = errors.New("token not found")
	// ErrExpired is returned when the token's expiry has passed.
	ErrExpired = errors.New("token expired")
	// ErrRevoked is returned when the token was revoked, individually or via
	// a subject-wide revocation watermark.
	ErrRevoked = errors.New("token revoked")
)

// Token is the caller-visible session token. ID is the raw bearer secret.
type Token struct {
	ID        string
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenRecord struct {
	SubjectID string    `json:"subjectId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

type watermarkRecord struct {
	MinValidIssuedAt time.Time `json:"minValidIssuedAt"`
}

// Option configures a TokenManager instance.
type Option func(*TokenManager)

// WithClock injects the time source used for expiry and watermark decisions.
func WithClock(c clock.Clock) Option {
	return func(m *TokenManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithTokenLength sets the random byte length of newly issued tokens.
func WithTokenLength(length int) Option {
	return func(m *TokenManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithRetention sets how long expired records are kept before PurgeExpired
// may remove them.
func WithRetention(retention time.Duration) Option {
	return func(m *TokenManager) {
		if retention > 0 {
			m.retention = retention
		}
	}
}

// WithApplyOptions tunes the optimistic retry loop used for mutations.
func WithApplyOptions(opts kv.ApplyOptions) Option {
	return func(m *TokenManager) {
		m.apply = opts
	}
}

// WithRecorder injects a custom metrics recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(m *TokenManager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

// TokenManager coordinates the session token lifecycle against a backing
// store. It holds no authoritative state in memory, so any number of
// instances may share one store.
type TokenManager struct {
	store        kv.Store
	clock        clock.Clock
	tokenLength  int
	retention    time.Duration
	apply        kv.ApplyOptions
	metrics      *metrics.Recorder
	tokenFactory func(int) (string, error)
}

// NewTokenManager constructs a TokenManager with the provided store and
// options. A nil store falls back to an in-memory store for local
// development.
func NewTokenManager(store kv.Store, opts ...Option) *TokenManager {
	manager := &TokenManager{
		store:        store,
		clock:        clock.System(),
		tokenLength:  32,
		retention:    DefaultRetention,
		metrics:      metrics.Default(),
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = kv.NewMemoryStore()
	}
	return manager
}

// Issue creates a new session token for the subject with the provided TTL
// and persists its record. A zero TTL produces a token that is already
// expired, which some callers use to mint single-shot handoff records.
func (m *TokenManager) Issue(ctx context.Context, subjectID string, ttl time.Duration) (Token, error) {
	if subjectID == "" {
		return Token{}, ErrInvalidSubjectID
	}
	if ttl < 0 {
		return Token{}, fmt.Errorf("ttl must not be negative")
	}
	now := m.clock.Now().UTC()
	record := tokenRecord{
		SubjectID: subjectID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return Token{}, fmt.Errorf("encode token record: %w", err)
	}
	for attempt := 0; attempt < issueAttempts; attempt++ {
		tokenID, err := m.tokenFactory(m.tokenLength)
		if err != nil {
			return Token{}, fmt.Errorf("generate token: %w", err)
		}
		_, err = m.store.InsertIfAbsent(ctx, tokenKeyPrefix+hashTokenID(tokenID), payload)
		if errors.Is(err, kv.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return Token{}, fmt.Errorf("issue token: %w", err)
		}
		m.metrics.ObserveTokenEvent("issued")
		return Token{
			ID:        tokenID,
			SubjectID: subjectID,
			IssuedAt:  record.IssuedAt,
			ExpiresAt: record.ExpiresAt,
		}, nil
	}
	return Token{}, fmt.Errorf("issue token: digest collisions exhausted %d attempts", issueAttempts)
}

// Validate checks the token and returns the owning subject when it is still
// active. Expiry wins over revocation when both apply.
func (m *TokenManager) Validate(ctx context.Context, tokenID string) (string, error) {
	if tokenID == "" {
		m.metrics.ObserveTokenFailure("not_found")
		return "", ErrTokenNotFound
	}
	payload, _, err := m.store.Get(ctx, tokenKeyPrefix+hashTokenID(tokenID))
	if errors.Is(err, kv.ErrNotFound) {
		m.metrics.ObserveTokenFailure("not_found")
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	var record tokenRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return "", fmt.Errorf("decode token record: %w", err)
	}
	now := m.clock.Now().UTC()
	if !now.Before(record.ExpiresAt) {
		m.metrics.ObserveTokenFailure("expired")
		return "", ErrExpired
	}
	if record.Revoked {
		m.metrics.ObserveTokenFailure("revoked")
		return "", ErrRevoked
	}
	revokedByWatermark, err := m.issuedBeforeWatermark(ctx, record.SubjectID, record.IssuedAt)
	if err != nil {
		return "", err
	}
	if revokedByWatermark {
		m.metrics.ObserveTokenFailure("revoked")
		return "", ErrRevoked
	}
	m.metrics.ObserveTokenEvent("validated")
	return record.SubjectID, nil
}

// Refresh extends an active token's expiry to now + ttl via compare-and-swap
// on its record. Expired and revoked tokens cannot be revived.
func (m *TokenManager) Refresh(ctx context.Context, tokenID string, ttl time.Duration) (Token, error) {
	if tokenID == "" {
		return Token{}, ErrTokenNotFound
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be positive")
	}
	key := tokenKeyPrefix + hashTokenID(tokenID)
	final, _, err := kv.Apply(ctx, m.store, key, m.apply, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrTokenNotFound
		}
		var record tokenRecord
		if err := json.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("decode token record: %w", err)
		}
		now := m.clock.Now().UTC()
		if !now.Before(record.ExpiresAt) {
			return nil, ErrExpired
		}
		if record.Revoked {
			return nil, ErrRevoked
		}
		revokedByWatermark, err := m.issuedBeforeWatermark(ctx, record.SubjectID, record.IssuedAt)
		if err != nil {
			return nil, err
		}
		if revokedByWatermark {
			return nil, ErrRevoked
		}
		record.ExpiresAt = now.Add(ttl)
		return json.Marshal(record)
	})
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			m.metrics.ObserveContention("refresh")
		}
		return Token{}, wrapAuthErr("refresh token", err)
	}
	var record tokenRecord
	if err := json.Unmarshal(final, &record); err != nil {
		return Token{}, fmt.Errorf("decode token record: %w", err)
	}
	m.metrics.ObserveTokenEvent("refreshed")
	return Token{
		ID:        tokenID,
		SubjectID: record.SubjectID,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Revoke marks the token record revoked. Revoking an already-revoked token
// is a no-op; concurrent mutations are retried internally up to the apply
// budget.
func (m *TokenManager) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return ErrTokenNotFound
	}
	key := tokenKeyPrefix + hashTokenID(tokenID)
	_, _, err := kv.Apply(ctx, m.store, key, m.apply, func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrTokenNotFound
		}
		var record tokenRecord
		if err := json.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("decode token record: %w", err)
		}
		if record.Revoked {
			return nil, nil
		}
		record.Revoked = true
		return json.Marshal(record)
	})
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			m.metrics.ObserveContention("revoke")
		}
		return wrapAuthErr("revoke token", err)
	}
	m.metrics.ObserveTokenEvent("revoked")
	return nil
}

// RevokeAll invalidates every token issued to the subject up to now by
// advancing the subject's revocation watermark. Tokens issued after the
// watermark stamp remain valid, so a login racing the sweep either loses
// (issued before, treated as revoked) or wins cleanly (issued after).
func (m *TokenManager) RevokeAll(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrInvalidSubjectID
	}
	now := m.clock.Now().UTC()
	_, _, err := kv.Apply(ctx, m.store, watermarkKey(subjectID), m.apply, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			var watermark watermarkRecord
			if err := json.Unmarshal(current, &watermark); err != nil {
				return nil, fmt.Errorf("decode watermark record: %w", err)
			}
			// The watermark only moves forward.
			if !watermark.MinValidIssuedAt.Before(now) {
				return nil, nil
			}
		}
		return json.Marshal(watermarkRecord{MinValidIssuedAt: now})
	})
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			m.metrics.ObserveContention("revoke_all")
		}
		return wrapAuthErr("revoke all tokens", err)
	}
	m.metrics.ObserveTokenEvent("revoked_all")
	return nil
}

// PurgeExpired removes token records whose retention window has elapsed and
// returns how many were deleted. Stores without scan support are skipped.
func (m *TokenManager) PurgeExpired(ctx context.Context) (int, error) {
	scanner, ok := m.store.(kv.Scanner)
	if !ok {
		return 0, nil
	}
	now := m.clock.Now().UTC()
	var stale []string
	err := scanner.Scan(ctx, tokenKeyPrefix, func(key string, value []byte, _ int64) error {
		var record tokenRecord
		if err := json.Unmarshal(value, &record); err != nil {
			// Unreadable records are removed rather than retained forever.
			stale = append(stale, key)
			return nil
		}
		if !now.Before(record.ExpiresAt.Add(m.retention)) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan token records: %w", err)
	}
	removed := 0
	for _, key := range stale {
		if err := m.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("purge token record: %w", err)
		}
		removed++
	}
	m.metrics.ObservePurge("tokens", removed)
	return removed, nil
}

// Ping verifies the underlying store is reachable when it exposes a ping
// method.
func (m *TokenManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(kv.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (m *TokenManager) issuedBeforeWatermark(ctx context.Context, subjectID string, issuedAt time.Time) (bool, error) {
	payload, _, err := m.store.Get(ctx, watermarkKey(subjectID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read revocation watermark: %w", err)
	}
	var watermark watermarkRecord
	if err := json.Unmarshal(payload, &watermark); err != nil {
		return false, fmt.Errorf("decode watermark record: %w", err)
	}
	return issuedAt.Before(watermark.MinValidIssuedAt), nil
}

func watermarkKey(subjectID string) string {
	return "auth:subject:" + subjectID + ":watermark"
}

// wrapAuthErr keeps the package sentinels unwrapped so callers can branch on
// them while still labelling store-level failures with the operation.
func wrapAuthErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrExpired), errors.Is(err, ErrRevoked):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
