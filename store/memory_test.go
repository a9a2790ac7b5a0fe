package store

import (
	"errors"
	"testing"
	"time"

	"github.com/zral/mongo-crud-api-sub001/types"
)

func validWebhook(id string) *types.WebhookSubscription {
	return &types.WebhookSubscription{
		ID:         id,
		Name:       "orders hook",
		URL:        "https://example.com/hook",
		Collection: "orders",
		Events:     []types.Event{types.EventCreate, types.EventUpdate},
		Enabled:    true,
	}
}

func validScript(id string) *types.ScriptSubscription {
	return &types.ScriptSubscription{
		ID:         id,
		Name:       "notify",
		Code:       `return true`,
		Collection: "orders",
		Events:     []types.Event{types.EventUpdate},
		Enabled:    true,
	}
}

func TestWebhook_CRUD(t *testing.T) {
	m := NewMemory()

	if err := m.CreateWebhook(testContext(t), validWebhook("w1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.GetWebhook(testContext(t), "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "orders hook" {
		t.Errorf("unexpected name %q", got.Name)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set on create")
	}

	updated, err := m.UpdateWebhook(testContext(t), "w1", types.Document{"name": "renamed"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("expected renamed, got %q", updated.Name)
	}
	if updated.URL != "https://example.com/hook" {
		t.Error("partial update must preserve unset fields")
	}

	if err := m.DeleteWebhook(testContext(t), "w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetWebhook(testContext(t), "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.DeleteWebhook(testContext(t), "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should return ErrNotFound, got %v", err)
	}
}

func TestWebhook_Validation(t *testing.T) {
	m := NewMemory()

	tests := []struct {
		name   string
		mutate func(*types.WebhookSubscription)
	}{
		{"empty url", func(w *types.WebhookSubscription) { w.URL = "" }},
		{"bad url", func(w *types.WebhookSubscription) { w.URL = "not a url" }},
		{"no events", func(w *types.WebhookSubscription) { w.Events = nil }},
		{"unknown event", func(w *types.WebhookSubscription) { w.Events = []types.Event{"upsert"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWebhook("bad")
			tt.mutate(w)

			err := m.CreateWebhook(testContext(t), w)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestWebhook_ClampsLimits(t *testing.T) {
	m := NewMemory()

	w := validWebhook("w1")
	retries := 50
	w.MaxRequestsPerMinute = 9999
	w.MaxRetries = &retries
	w.RetryDelay = time.Millisecond
	w.MaxRetryDelay = time.Hour

	if err := m.CreateWebhook(testContext(t), w); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := m.GetWebhook(testContext(t), "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxRequestsPerMinute != types.MaxRequestsPerMinute {
		t.Errorf("rpm not clamped: %d", got.MaxRequestsPerMinute)
	}
	if got.MaxRetries == nil || *got.MaxRetries != types.MaxRetries {
		t.Errorf("retries not clamped: %v", got.MaxRetries)
	}
	if got.RetryDelay != types.MinRetryDelay {
		t.Errorf("retry delay not clamped: %v", got.RetryDelay)
	}
	if got.MaxRetryDelay != types.MaxMaxRetryDelay {
		t.Errorf("max retry delay not clamped: %v", got.MaxRetryDelay)
	}
}

func TestWebhooksForEvent(t *testing.T) {
	m := NewMemory()

	enabled := validWebhook("w1")
	disabled := validWebhook("w2")
	disabled.Enabled = false
	otherColl := validWebhook("w3")
	otherColl.Collection = "users"
	deleteOnly := validWebhook("w4")
	deleteOnly.Events = []types.Event{types.EventDelete}

	for _, w := range []*types.WebhookSubscription{enabled, disabled, otherColl, deleteOnly} {
		if err := m.CreateWebhook(testContext(t), w); err != nil {
			t.Fatalf("create %s: %v", w.ID, err)
		}
	}

	got, err := m.WebhooksForEvent(testContext(t), "orders", types.EventCreate)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w1" {
		t.Fatalf("expected [w1], got %v", got)
	}
}

func TestScriptsForEvent_EmptyCollectionMatchesAll(t *testing.T) {
	m := NewMemory()

	scoped := validScript("s1")
	global := validScript("s2")
	global.Collection = ""

	for _, s := range []*types.ScriptSubscription{scoped, global} {
		if err := m.CreateScript(testContext(t), s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	got, err := m.ScriptsForEvent(testContext(t), "orders", types.EventUpdate)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both scripts for orders, got %d", len(got))
	}

	got, err = m.ScriptsForEvent(testContext(t), "users", types.EventUpdate)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("expected only the global script for users, got %v", got)
	}
}

func TestScript_RejectsBadCron(t *testing.T) {
	m := NewMemory()

	s := validScript("s1")
	s.CronExpression = "not a cron"

	err := m.CreateScript(testContext(t), s)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestScript_AcceptsSecondsCron(t *testing.T) {
	m := NewMemory()

	s := validScript("s1")
	s.CronExpression = "*/5 * * * * *"

	if err := m.CreateScript(testContext(t), s); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestSchedule_ReplaceOnWrite(t *testing.T) {
	m := NewMemory()

	first := &types.ScheduledScript{ScriptID: "s1", CronExpression: "*/5 * * * * *"}
	if err := m.SaveSchedule(testContext(t), first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := &types.ScheduledScript{ScriptID: "s1", CronExpression: "0 * * * * *", Paused: true}
	if err := m.SaveSchedule(testContext(t), second); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := m.ListSchedules(testContext(t))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one record per script id, got %d", len(all))
	}
	if all[0].CronExpression != "0 * * * * *" || !all[0].Paused {
		t.Errorf("replace-on-write lost fields: %+v", all[0])
	}
}

func TestSchedule_RejectsBadCron(t *testing.T) {
	m := NewMemory()

	err := m.SaveSchedule(testContext(t), &types.ScheduledScript{ScriptID: "s1", CronExpression: "nope"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
