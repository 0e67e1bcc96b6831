// Package engagement applies view and like mutations for videos with
// exactly-once-per-intent semantics under concurrent callers. All state
// lives in the durable store; aggregates are adjusted with bounded
// optimistic retries instead of per-video locks so unrelated viewers never
// serialize on each other.
package engagement

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cupstream/internal/clock"
	"cupstream/internal/kv"
	"cupstream/internal/observability/metrics"
)

// DefaultWindow collapses repeated views from the same viewer into one
// counted view. Thirty minutes tracks the typical session length without
// starving legitimate re-watches.
const DefaultWindow = 30 * time.Minute

var (
	// ErrInvalidVideoID is returned when a mutation names no video.
	ErrInvalidVideoID = errors.New("video id is required")
	// ErrInvalidUserID is returned when a mutation names no viewer or user.
	ErrInvalidUserID = errors.New("user id is required")
)

// Counts holds the aggregate view and like counters for a video.
type Counts struct {
	Views int64
	Likes int64
}

type counterRecord struct {
	Count int64 `json:"count"`
}

type likeRecord struct {
	Liked bool `json:"liked"`
}

type markerRecord struct {
	SeenAt time.Time `json:"seenAt"`
}

// Option configures a Counter instance.
type Option func(*Counter)

// WithClock injects the time source used for window bucketing.
func WithClock(c clock.Clock) Option {
	return func(counter *Counter) {
		if c != nil {
			counter.clock = c
		}
	}
}

// WithWindow sets the view deduplication window.
func WithWindow(window time.Duration) Option {
	return func(counter *Counter) {
		if window > 0 {
			counter.window = window
		}
	}
}

// WithApplyOptions tunes the optimistic retry loop used for counter
// adjustments.
func WithApplyOptions(opts kv.ApplyOptions) Option {
	return func(counter *Counter) {
		counter.apply = opts
	}
}

// WithRecorder injects a custom metrics recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(counter *Counter) {
		if recorder != nil {
			counter.metrics = recorder
		}
	}
}

// Counter tracks per-video view counts and per-(user,video) like state
// against a backing store. It caches nothing between calls, so replicas
// sharing one store agree on every count.
type Counter struct {
	store   kv.Store
	clock   clock.Clock
	window  time.Duration
	apply   kv.ApplyOptions
	metrics *metrics.Recorder
}

// NewCounter constructs a Counter with the provided store and options. A nil
// store falls back to an in-memory store for local development.
func NewCounter(store kv.Store, opts ...Option) *Counter {
	counter := &Counter{
		store:   store,
		clock:   clock.System(),
		window:  DefaultWindow,
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(counter)
		}
	}
	if counter.store == nil {
		counter.store = kv.NewMemoryStore()
	}
	return counter
}

// RecordView counts a view for the video unless the same viewer already
// viewed it inside the current deduplication window. It returns the view
// count after the call and whether this call incremented it.
func (c *Counter) RecordView(ctx context.Context, videoID, viewerID string) (int64, bool, error) {
	if videoID == "" {
		return 0, false, ErrInvalidVideoID
	}
	if viewerID == "" {
		return 0, false, ErrInvalidUserID
	}
	now := c.clock.Now().UTC()
	marker, err := json.Marshal(markerRecord{SeenAt: now})
	if err != nil {
		return 0, false, fmt.Errorf("encode view marker: %w", err)
	}
	_, err = c.store.InsertIfAbsent(ctx, c.markerKey(videoID, viewerID, now), marker)
	if errors.Is(err, kv.ErrAlreadyExists) {
		count, readErr := c.readCount(ctx, viewCountKey(videoID))
		if readErr != nil {
			return 0, false, readErr
		}
		c.metrics.ObserveEngagement("view_deduped")
		return count, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("record view marker: %w", err)
	}
	count, err := c.adjustCount(ctx, viewCountKey(videoID), 1)
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			c.metrics.ObserveContention("record_view")
		}
		// The dedup marker stays behind; the viewer's intent was observed
		// even though the aggregate update must be retried by the caller.
		return 0, false, err
	}
	c.metrics.ObserveEngagement("view_counted")
	return count, true, nil
}

// ToggleLike sets the user's like state for the video and returns the
// aggregate like count after the call. Setting the state it already has is
// an idempotent no-op.
func (c *Counter) ToggleLike(ctx context.Context, videoID, userID string, like bool) (int64, error) {
	if videoID == "" {
		return 0, ErrInvalidVideoID
	}
	if userID == "" {
		return 0, ErrInvalidUserID
	}
	changed := false
	_, _, err := kv.Apply(ctx, c.store, likeKey(videoID, userID), c.apply, func(current []byte, exists bool) ([]byte, error) {
		liked := false
		if exists {
			var record likeRecord
			if err := json.Unmarshal(current, &record); err != nil {
				return nil, fmt.Errorf("decode like record: %w", err)
			}
			liked = record.Liked
		}
		if liked == like {
			changed = false
			return nil, nil
		}
		changed = true
		return json.Marshal(likeRecord{Liked: like})
	})
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			c.metrics.ObserveContention("toggle_like")
		}
		return 0, fmt.Errorf("toggle like: %w", err)
	}
	if !changed {
		count, err := c.readCount(ctx, likeCountKey(videoID))
		if err != nil {
			return 0, err
		}
		c.metrics.ObserveEngagement("like_noop")
		return count, nil
	}
	delta := int64(1)
	event := "like_set"
	if !like {
		delta = -1
		event = "like_cleared"
	}
	count, err := c.adjustCount(ctx, likeCountKey(videoID), delta)
	if err != nil {
		if errors.Is(err, kv.ErrContention) {
			c.metrics.ObserveContention("toggle_like")
		}
		return 0, err
	}
	c.metrics.ObserveEngagement(event)
	return count, nil
}

// GetCounts returns the view and like counts for the video. Unknown videos
// report zero counts rather than an error.
func (c *Counter) GetCounts(ctx context.Context, videoID string) (Counts, error) {
	if videoID == "" {
		return Counts{}, ErrInvalidVideoID
	}
	views, err := c.readCount(ctx, viewCountKey(videoID))
	if err != nil {
		return Counts{}, err
	}
	likes, err := c.readCount(ctx, likeCountKey(videoID))
	if err != nil {
		return Counts{}, err
	}
	return Counts{Views: views, Likes: likes}, nil
}

// PurgeStaleMarkers removes dedup markers older than the window and returns
// how many were deleted. Stores without scan support are skipped.
func (c *Counter) PurgeStaleMarkers(ctx context.Context) (int, error) {
	scanner, ok := c.store.(kv.Scanner)
	if !ok {
		return 0, nil
	}
	now := c.clock.Now().UTC()
	var stale []string
	err := scanner.Scan(ctx, markerKeyPrefix, func(key string, value []byte, _ int64) error {
		var record markerRecord
		if err := json.Unmarshal(value, &record); err != nil {
			stale = append(stale, key)
			return nil
		}
		if now.Sub(record.SeenAt) > c.window {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan view markers: %w", err)
	}
	removed := 0
	for _, key := range stale {
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("purge view marker: %w", err)
		}
		removed++
	}
	c.metrics.ObservePurge("markers", removed)
	return removed, nil
}

// Ping verifies the underlying store is reachable when it exposes a ping
// method.
func (c *Counter) Ping(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	if pinger, ok := c.store.(kv.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (c *Counter) adjustCount(ctx context.Context, key string, delta int64) (int64, error) {
	final, _, err := kv.Apply(ctx, c.store, key, c.apply, func(current []byte, exists bool) ([]byte, error) {
		var record counterRecord
		if exists {
			if err := json.Unmarshal(current, &record); err != nil {
				return nil, fmt.Errorf("decode counter record: %w", err)
			}
		}
		record.Count += delta
		if record.Count < 0 {
			record.Count = 0
		}
		return json.Marshal(record)
	})
	if err != nil {
		return 0, fmt.Errorf("adjust %s: %w", key, err)
	}
	var record counterRecord
	if err := json.Unmarshal(final, &record); err != nil {
		return 0, fmt.Errorf("decode counter record: %w", err)
	}
	return record.Count, nil
}

func (c *Counter) readCount(ctx context.Context, key string) (int64, error) {
	payload, _, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	var record counterRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return 0, fmt.Errorf("decode counter record: %w", err)
	}
	return record.Count, nil
}

const markerKeyPrefix = "engage:viewmark:"

// keySegment hex-encodes a caller-supplied ID so IDs containing the key
// separator cannot make distinct tuples alias one record.
func keySegment(id string) string {
	return hex.EncodeToString([]byte(id))
}

func (c *Counter) markerKey(videoID, viewerID string, now time.Time) string {
	bucket := now.UnixNano() / int64(c.window)
	return markerKeyPrefix + keySegment(videoID) + ":" + keySegment(viewerID) + ":" + strconv.FormatInt(bucket, 10)
}

func viewCountKey(videoID string) string {
	return "engage:views:" + keySegment(videoID)
}

func likeCountKey(videoID string) string {
	return "engage:likes:" + keySegment(videoID)
}

func likeKey(videoID, userID string) string {
	return "engage:like:" + keySegment(videoID) + ":" + keySegment(userID)
}
