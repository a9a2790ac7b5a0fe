// Package store persists webhook subscriptions, script subscriptions, and
// cron schedules. Two implementations are provided: Mongo, backed by the
// document store's system collections, and Memory for tests and
// single-node development.
//
// All write paths validate structural invariants and clamp rate-limit and
// retry fields into their allowed ranges before persisting.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/zral/mongo-crud-api-sub001/types"
)

// System collection names under the document store.
const (
	WebhooksCollection  = "_webhooks"
	ScriptsCollection   = "_scripts"
	SchedulesCollection = "_scheduled_scripts"
)

// ErrNotFound is returned when no record matches the given id.
var ErrNotFound = errors.New("store: not found")

// ValidationError wraps an invariant violation rejected at admission.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Store is the read-through view of persisted subscriptions and schedules.
type Store interface {
	// Webhook subscriptions.
	ListWebhooks(ctx context.Context) ([]types.WebhookSubscription, error)
	WebhooksForEvent(ctx context.Context, collection string, event types.Event) ([]types.WebhookSubscription, error)
	GetWebhook(ctx context.Context, id string) (*types.WebhookSubscription, error)
	CreateWebhook(ctx context.Context, w *types.WebhookSubscription) error
	UpdateWebhook(ctx context.Context, id string, update types.Document) (*types.WebhookSubscription, error)
	DeleteWebhook(ctx context.Context, id string) error

	// Script subscriptions.
	ListScripts(ctx context.Context) ([]types.ScriptSubscription, error)
	ScriptsForEvent(ctx context.Context, collection string, event types.Event) ([]types.ScriptSubscription, error)
	GetScript(ctx context.Context, id string) (*types.ScriptSubscription, error)
	CreateScript(ctx context.Context, s *types.ScriptSubscription) error
	UpdateScript(ctx context.Context, id string, update types.Document) (*types.ScriptSubscription, error)
	DeleteScript(ctx context.Context, id string) error

	// Persisted cron schedules. Save is replace-on-write per script id.
	ListSchedules(ctx context.Context) ([]types.ScheduledScript, error)
	GetSchedule(ctx context.Context, scriptID string) (*types.ScheduledScript, error)
	SaveSchedule(ctx context.Context, s *types.ScheduledScript) error
	DeleteSchedule(ctx context.Context, scriptID string) error

	// Ping checks backend liveness for the health endpoint.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// validate is the shared struct validator; tags live on the types.
var validate = validator.New()

// cronParser accepts the seconds-aware expression format used throughout
// the scheduler.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// prepareWebhook validates and clamps a webhook subscription before a write.
func prepareWebhook(w *types.WebhookSubscription) error {
	if err := w.Validate(); err != nil {
		return &ValidationError{Err: err}
	}
	if err := validate.Struct(w); err != nil {
		return &ValidationError{Err: err}
	}
	w.Clamp()
	return nil
}

// prepareScript validates and clamps a script subscription before a write.
func prepareScript(s *types.ScriptSubscription) error {
	if err := s.Validate(); err != nil {
		return &ValidationError{Err: err}
	}
	if err := validate.Struct(s); err != nil {
		return &ValidationError{Err: err}
	}
	if s.CronExpression != "" {
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return &ValidationError{Err: fmt.Errorf("script %q: invalid cron expression %q: %w", s.ID, s.CronExpression, err)}
		}
	}
	s.Clamp()
	return nil
}

// prepareSchedule validates a schedule record before a write.
func prepareSchedule(s *types.ScheduledScript) error {
	if s.ScriptID == "" {
		return &ValidationError{Err: errors.New("schedule: script id is required")}
	}
	if _, err := cronParser.Parse(s.CronExpression); err != nil {
		return &ValidationError{Err: fmt.Errorf("schedule %q: invalid cron expression %q: %w", s.ScriptID, s.CronExpression, err)}
	}
	return nil
}

// touch stamps created/updated times on a webhook record.
func touchWebhook(w *types.WebhookSubscription, isNew bool) {
	now := time.Now().UTC()
	if isNew {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
}

func touchScript(s *types.ScriptSubscription, isNew bool) {
	now := time.Now().UTC()
	if isNew {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
