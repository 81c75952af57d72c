// Package governor bounds concurrent task execution per resource
// class. Each class gets a weighted semaphore sized from the
// configured limits, and acquisition is normalized so that variant
// class names ("claude-opus-4", "OPUS") share one bucket.
package governor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultKey is the limits entry used for classes with no explicit
// limit of their own.
const DefaultKey = "_default"

const defaultLimit = 5

// DefaultLimits mirrors the shipped config defaults. Callers normally
// pass limits loaded from config; these are the fallback.
func DefaultLimits() map[string]int64 {
	return map[string]int64{
		"opus":              2,
		"sonnet":            5,
		"haiku":             10,
		"gemini-3-flash":    10,
		"gemini-3-pro-high": 5,
		"gpt-5.2":           3,
		DefaultKey:          5,
	}
}

// BucketStatus is a point-in-time view of one resource-class bucket.
type BucketStatus struct {
	Limit  int64 `json:"limit"`
	Active int64 `json:"active"`
	Queued int64 `json:"queued"`
}

type bucket struct {
	sem   *semaphore.Weighted
	limit int64
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Governor is a thread-safe per-class concurrency limiter. Buckets are
// created lazily on first acquire; UpdateLimits only affects buckets
// created afterwards.
type Governor struct {
	mu      sync.Mutex
	limits  map[string]int64
	buckets map[string]*bucket
	active  map[string]int64
	queued  map[string]int64

	logger   *log.Logger
	logLevel LogLevel
}

// New builds a governor over the given limits. A nil or empty map gets
// the shipped defaults; a missing "_default" entry is filled in.
func New(limits map[string]int64, logger *log.Logger, logLevel LogLevel) *Governor {
	merged := DefaultLimits()
	for k, v := range limits {
		if v > 0 {
			merged[k] = v
		}
	}
	return &Governor{
		limits:   merged,
		buckets:  make(map[string]*bucket),
		active:   make(map[string]int64),
		queued:   make(map[string]int64),
		logger:   logger,
		logLevel: logLevel,
	}
}

// Normalize maps a free-form resource class name onto its canonical
// bucket. Unrecognized names map to their lowercased form and fall
// back to the "_default" limit.
func Normalize(class string) string {
	c := strings.ToLower(class)
	switch {
	case strings.Contains(c, "opus"):
		return "opus"
	case strings.Contains(c, "sonnet"):
		return "sonnet"
	case strings.Contains(c, "haiku"):
		return "haiku"
	case strings.Contains(c, "gemini") && strings.Contains(c, "flash"):
		return "gemini-3-flash"
	case strings.Contains(c, "gemini") && (strings.Contains(c, "pro") || strings.Contains(c, "high")):
		return "gemini-3-pro-high"
	case strings.Contains(c, "gpt"):
		return "gpt-5.2"
	}
	return c
}

func (g *Governor) bucketFor(class string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[class]
	if !ok {
		limit := g.limitLocked(class)
		b = &bucket{sem: semaphore.NewWeighted(limit), limit: limit}
		g.buckets[class] = b
		g.log(LogLevelDebug, "bucket_created class=%s limit=%d", class, limit)
	}
	return b
}

func (g *Governor) limitLocked(class string) int64 {
	if limit, ok := g.limits[class]; ok {
		return limit
	}
	if limit, ok := g.limits[DefaultKey]; ok {
		return limit
	}
	return defaultLimit
}

// Acquire blocks until a slot for the class is available or the
// timeout elapses. It reports whether the slot was obtained; a false
// return consumes nothing.
func (g *Governor) Acquire(class string, timeout time.Duration) bool {
	normalized := Normalize(class)
	b := g.bucketFor(normalized)

	g.mu.Lock()
	g.queued[normalized]++
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := b.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.queued[normalized]--
	if err == nil {
		g.active[normalized]++
	}
	g.mu.Unlock()

	if err != nil {
		g.log(LogLevelWarn, "acquire_timeout class=%s timeout=%s", normalized, timeout)
		return false
	}
	g.log(LogLevelDebug, "acquired class=%s", normalized)
	return true
}

// Release returns a slot for the class. Releasing a class that holds
// no slot is a no-op; the active count is floored at zero and the
// semaphore permit is only credited when one was actually held.
func (g *Governor) Release(class string) {
	normalized := Normalize(class)
	b := g.bucketFor(normalized)

	g.mu.Lock()
	held := g.active[normalized] > 0
	if held {
		g.active[normalized]--
	}
	g.mu.Unlock()

	if !held {
		g.log(LogLevelWarn, "release_without_acquire class=%s", normalized)
		return
	}
	b.sem.Release(1)
	g.log(LogLevelDebug, "released class=%s", normalized)
}

// Scoped acquires a slot and returns an idempotent release func.
// On timeout the release func is nil and ok is false.
func (g *Governor) Scoped(class string, timeout time.Duration) (release func(), ok bool) {
	if !g.Acquire(class, timeout) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.Release(class) })
	}, true
}

// Status reports every bucket that has seen traffic.
func (g *Governor) Status() map[string]BucketStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]BucketStatus)
	for class := range g.active {
		out[class] = BucketStatus{Limit: g.limitLocked(class), Active: g.active[class], Queued: g.queued[class]}
	}
	for class := range g.queued {
		if _, ok := out[class]; !ok {
			out[class] = BucketStatus{Limit: g.limitLocked(class), Active: g.active[class], Queued: g.queued[class]}
		}
	}
	return out
}

// UpdateLimits merges new limits in. Existing buckets keep their
// original capacity until recreated; only buckets created after the
// update pick up the new values.
func (g *Governor) UpdateLimits(limits map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, v := range limits {
		if v > 0 {
			g.limits[k] = v
		}
	}
	g.log(LogLevelInfo, "limits_updated count=%d", len(limits))
}

// Limits returns a copy of the effective limit table.
func (g *Governor) Limits() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int64, len(g.limits))
	for k, v := range g.limits {
		out[k] = v
	}
	return out
}

func (g *Governor) log(level LogLevel, format string, args ...any) {
	if g.logger == nil || level < g.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	g.logger.Printf("%s %s governor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
