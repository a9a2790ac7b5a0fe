package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/zral/mongo-crud-api-sub001/types"
)

// Memory is an in-process Store. Used by tests and by single-node
// deployments that run without a document store.
type Memory struct {
	mu        sync.RWMutex
	webhooks  map[string]types.WebhookSubscription
	scripts   map[string]types.ScriptSubscription
	schedules map[string]types.ScheduledScript
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		webhooks:  make(map[string]types.WebhookSubscription),
		scripts:   make(map[string]types.ScriptSubscription),
		schedules: make(map[string]types.ScheduledScript),
	}
}

// mergeUpdate applies a partial update to an existing record by merging at
// the JSON level, so admin-surface PATCH semantics match the Mongo
// implementation's $set.
func mergeUpdate[T any](existing T, update types.Document) (T, error) {
	var zero T

	base, err := json.Marshal(existing)
	if err != nil {
		return zero, fmt.Errorf("store: marshal existing: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return zero, fmt.Errorf("store: unmarshal existing: %w", err)
	}
	for k, v := range update {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return zero, fmt.Errorf("store: marshal merged: %w", err)
	}
	var result T
	if err := json.Unmarshal(out, &result); err != nil {
		return zero, &ValidationError{Err: fmt.Errorf("bad update payload: %w", err)}
	}
	return result, nil
}

// --- Webhooks ---

func (m *Memory) ListWebhooks(_ context.Context) ([]types.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.WebhookSubscription, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WebhooksForEvent(_ context.Context, collection string, event types.Event) ([]types.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.WebhookSubscription
	for _, w := range m.webhooks {
		if w.Enabled && w.Collection == collection && w.SubscribesTo(event) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetWebhook(_ context.Context, id string) (*types.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) CreateWebhook(_ context.Context, w *types.WebhookSubscription) error {
	if err := prepareWebhook(w); err != nil {
		return err
	}
	touchWebhook(w, true)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = *w
	return nil
}

func (m *Memory) UpdateWebhook(ctx context.Context, id string, update types.Document) (*types.WebhookSubscription, error) {
	existing, err := m.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := mergeUpdate(*existing, update)
	if err != nil {
		return nil, err
	}
	merged.ID = id
	if err := prepareWebhook(&merged); err != nil {
		return nil, err
	}
	touchWebhook(&merged, false)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[id] = merged
	return &merged, nil
}

func (m *Memory) DeleteWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

// --- Scripts ---

func (m *Memory) ListScripts(_ context.Context) ([]types.ScriptSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ScriptSubscription, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ScriptsForEvent(_ context.Context, collection string, event types.Event) ([]types.ScriptSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.ScriptSubscription
	for _, s := range m.scripts {
		if s.Enabled && s.Matches(collection) && s.SubscribesTo(event) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetScript(_ context.Context, id string) (*types.ScriptSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) CreateScript(_ context.Context, s *types.ScriptSubscription) error {
	if err := prepareScript(s); err != nil {
		return err
	}
	touchScript(s, true)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[s.ID] = *s
	return nil
}

func (m *Memory) UpdateScript(ctx context.Context, id string, update types.Document) (*types.ScriptSubscription, error) {
	existing, err := m.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := mergeUpdate(*existing, update)
	if err != nil {
		return nil, err
	}
	merged.ID = id
	if err := prepareScript(&merged); err != nil {
		return nil, err
	}
	touchScript(&merged, false)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[id] = merged
	return &merged, nil
}

func (m *Memory) DeleteScript(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scripts[id]; !ok {
		return ErrNotFound
	}
	delete(m.scripts, id)
	return nil
}

// --- Schedules ---

func (m *Memory) ListSchedules(_ context.Context) ([]types.ScheduledScript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ScheduledScript, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out, nil
}

func (m *Memory) GetSchedule(_ context.Context, scriptID string) (*types.ScheduledScript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[scriptID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) SaveSchedule(_ context.Context, s *types.ScheduledScript) error {
	if err := prepareSchedule(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ScriptID] = *s
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, scriptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[scriptID]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, scriptID)
	return nil
}

// --- Lifecycle ---

func (m *Memory) Ping(_ context.Context) error  { return nil }
func (m *Memory) Close(_ context.Context) error { return nil }

// Verify Memory implements the Store interface.
var _ Store = (*Memory)(nil)
