package types

import (
	"fmt"
	"net/url"
	"time"
)

// Rate-limit and retry bounds. Write paths clamp into these ranges rather
// than rejecting, so a subscription saved with an out-of-range value is
// usable immediately.
const (
	MinRequestsPerMinute = 1
	MaxRequestsPerMinute = 300

	MinRetries = 0
	MaxRetries = 10

	MinRetryDelay = 100 * time.Millisecond
	MaxRetryDelay = 10 * time.Second

	MinMaxRetryDelay = 1 * time.Second
	MaxMaxRetryDelay = 5 * time.Minute
)

// WebhookSubscription is a persisted rule that delivers matching mutations
// to an external HTTP endpoint.
type WebhookSubscription struct {
	ID         string  `json:"id" bson:"_id" validate:"required"`
	Name       string  `json:"name" bson:"name" validate:"required"`
	URL        string  `json:"url" bson:"url" validate:"required,url"`
	Collection string  `json:"collection" bson:"collection" validate:"required"`
	Events     []Event `json:"events" bson:"events" validate:"required,min=1"`
	Enabled    bool    `json:"enabled" bson:"enabled"`

	// Filter is an optional Mongo-style predicate evaluated against the
	// operand document. Nil means match everything.
	Filter Document `json:"filter,omitempty" bson:"filter,omitempty"`

	// ExcludeFields lists dot-path fields removed from the payload before
	// delivery.
	ExcludeFields []string `json:"excludeFields,omitempty" bson:"excludeFields,omitempty"`

	// Headers are extra HTTP headers sent verbatim with each delivery.
	Headers map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`

	// Per-subscription overrides. Zero values mean "use configured default".
	// MaxRetries is a pointer because an explicit 0 ("never retry") is a
	// permitted override, distinct from unset.
	MaxRequestsPerMinute int           `json:"maxRequestsPerMinute,omitempty" bson:"maxRequestsPerMinute,omitempty"`
	MaxRetries           *int          `json:"maxRetries,omitempty" bson:"maxRetries,omitempty"`
	RetryDelay           time.Duration `json:"retryDelay,omitempty" bson:"retryDelay,omitempty"`
	MaxRetryDelay        time.Duration `json:"maxRetryDelay,omitempty" bson:"maxRetryDelay,omitempty"`

	Priority int           `json:"priority,omitempty" bson:"priority,omitempty"`
	Delay    time.Duration `json:"delay,omitempty" bson:"delay,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// SubscribesTo reports whether the subscription covers the given event.
func (w *WebhookSubscription) SubscribesTo(e Event) bool {
	for _, ev := range w.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// Validate checks structural invariants that clamping cannot repair.
func (w *WebhookSubscription) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("webhook %q: url is required", w.ID)
	}
	u, err := url.Parse(w.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webhook %q: invalid url %q", w.ID, w.URL)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook %q: events must be non-empty", w.ID)
	}
	for _, e := range w.Events {
		if !e.Valid() {
			return fmt.Errorf("webhook %q: unknown event %q", w.ID, e)
		}
	}
	return nil
}

// Clamp forces the rate-limit and retry fields into their allowed ranges.
// Zero values are left alone so defaults can be applied downstream.
func (w *WebhookSubscription) Clamp() {
	if w.MaxRequestsPerMinute != 0 {
		w.MaxRequestsPerMinute = clampInt(w.MaxRequestsPerMinute, MinRequestsPerMinute, MaxRequestsPerMinute)
	}
	if w.MaxRetries != nil {
		*w.MaxRetries = clampInt(*w.MaxRetries, MinRetries, MaxRetries)
	}
	if w.RetryDelay != 0 {
		w.RetryDelay = clampDuration(w.RetryDelay, MinRetryDelay, MaxRetryDelay)
	}
	if w.MaxRetryDelay != 0 {
		w.MaxRetryDelay = clampDuration(w.MaxRetryDelay, MinMaxRetryDelay, MaxMaxRetryDelay)
	}
}

// ScriptSubscription is a persisted rule that executes a user script on
// matching mutations, or on a cron schedule when CronExpression is set.
type ScriptSubscription struct {
	ID   string `json:"id" bson:"_id" validate:"required"`
	Name string `json:"name" bson:"name" validate:"required"`
	Code string `json:"code" bson:"code" validate:"required"`

	// Collection scopes the subscription; empty string matches all
	// collections.
	Collection string  `json:"collection" bson:"collection"`
	Events     []Event `json:"events" bson:"events"`
	Enabled    bool    `json:"enabled" bson:"enabled"`

	Filter Document `json:"filter,omitempty" bson:"filter,omitempty"`

	// CronExpression, when non-empty, registers the script with the cron
	// scheduler. Must parse with the seconds-aware parser.
	CronExpression string `json:"cronExpression,omitempty" bson:"cronExpression,omitempty"`

	// MaxExecutionsPerMinute bounds mutation-triggered executions. Zero
	// means unlimited.
	MaxExecutionsPerMinute int `json:"maxExecutionsPerMinute,omitempty" bson:"maxExecutionsPerMinute,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// SubscribesTo reports whether the script covers the given event.
func (s *ScriptSubscription) SubscribesTo(e Event) bool {
	for _, ev := range s.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// Matches reports whether the script applies to the named collection.
// An empty subscription collection matches every collection.
func (s *ScriptSubscription) Matches(collection string) bool {
	return s.Collection == "" || s.Collection == collection
}

// Validate checks structural invariants.
func (s *ScriptSubscription) Validate() error {
	if s.Code == "" {
		return fmt.Errorf("script %q: code is required", s.ID)
	}
	for _, e := range s.Events {
		if !e.Valid() {
			return fmt.Errorf("script %q: unknown event %q", s.ID, e)
		}
	}
	return nil
}

// Clamp forces the per-script rate limit into range.
func (s *ScriptSubscription) Clamp() {
	if s.MaxExecutionsPerMinute != 0 {
		s.MaxExecutionsPerMinute = clampInt(s.MaxExecutionsPerMinute, MinRequestsPerMinute, MaxRequestsPerMinute)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
