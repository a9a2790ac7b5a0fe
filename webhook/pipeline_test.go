package webhook

import (
	"testing"
	"time"

	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/store"
	"github.com/zral/mongo-crud-api-sub001/types"
)

func seedWebhook(t *testing.T, s *store.Memory, w *types.WebhookSubscription) {
	t.Helper()
	if err := s.CreateWebhook(testContext(t), w); err != nil {
		t.Fatalf("seed webhook %s: %v", w.ID, err)
	}
}

func baseWebhook(id string) *types.WebhookSubscription {
	return &types.WebhookSubscription{
		ID:         id,
		Name:       "orders hook",
		URL:        "https://example.com/hook",
		Collection: "orders",
		Events:     []types.Event{types.EventCreate, types.EventUpdate},
		Enabled:    true,
	}
}

func TestPipeline_TriggerEnqueuesMatching(t *testing.T) {
	q, _ := testQueue(t)
	s := store.NewMemory()
	seedWebhook(t, s, baseWebhook("w1"))

	other := baseWebhook("w2")
	other.Collection = "users"
	seedWebhook(t, s, other)

	p := NewPipeline(log.Nop(), s, q)
	err := p.Trigger(testContext(t), types.Mutation{
		Collection: "orders",
		Event:      types.EventCreate,
		New:        types.Document{"status": "paid"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	entries, err := q.Read(testContext(t), "c1", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one job, got %d", len(entries))
	}
	job := entries[0].Job
	if job.SubscriptionID != "w1" {
		t.Errorf("wrong subscription: %s", job.SubscriptionID)
	}
	if job.Payload.Webhook.Name != "orders hook" {
		t.Errorf("payload missing webhook ref: %+v", job.Payload.Webhook)
	}
	if job.Payload.ID != job.DeliveryID {
		t.Error("payload id should equal delivery id")
	}
	if job.Attempt != 0 {
		t.Errorf("fresh job should start at attempt 0, got %d", job.Attempt)
	}
}

func TestPipeline_FilterGatesDelivery(t *testing.T) {
	q, _ := testQueue(t)
	s := store.NewMemory()

	w := baseWebhook("w1")
	w.Filter = types.Document{"status": map[string]any{"$in": []any{"paid", "refunded"}}}
	seedWebhook(t, s, w)

	p := NewPipeline(log.Nop(), s, q)

	for _, mut := range []types.Mutation{
		{Collection: "orders", Event: types.EventUpdate, New: types.Document{"status": "paid"}},
		{Collection: "orders", Event: types.EventUpdate, New: types.Document{"status": "draft"}},
	} {
		if err := p.Trigger(testContext(t), mut); err != nil {
			t.Fatalf("trigger: %v", err)
		}
	}

	depth, err := q.Depth(testContext(t))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("only the paid mutation should enqueue, got %d jobs", depth)
	}
}

func TestPipeline_ExcludesFields(t *testing.T) {
	q, _ := testQueue(t)
	s := store.NewMemory()

	w := baseWebhook("w1")
	w.ExcludeFields = []string{"secret", "customer.ssn"}
	seedWebhook(t, s, w)

	p := NewPipeline(log.Nop(), s, q)
	err := p.Trigger(testContext(t), types.Mutation{
		Collection: "orders",
		Event:      types.EventUpdate,
		New: types.Document{
			"status": "paid",
			"secret": "hunter2",
			"customer": map[string]any{
				"name": "Ada",
				"ssn":  "000-00-0000",
			},
		},
		Old: types.Document{"status": "draft", "secret": "hunter2"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	entries, err := q.Read(testContext(t), "c1", 1, time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v (%d entries)", err, len(entries))
	}

	doc := entries[0].Job.Payload.Data.Document
	if _, ok := doc["secret"]; ok {
		t.Error("secret should be excluded from document")
	}
	customer, _ := doc["customer"].(map[string]any)
	if _, ok := customer["ssn"]; ok {
		t.Error("customer.ssn should be excluded from document")
	}
	if customer["name"] != "Ada" {
		t.Error("unrelated nested field should survive")
	}

	prev := entries[0].Job.Payload.Data.PreviousDocument
	if prev == nil {
		t.Fatal("update should carry previousDocument")
	}
	if _, ok := prev["secret"]; ok {
		t.Error("secret should be excluded from previousDocument")
	}
}

func TestPipeline_DeleteUsesOldDocument(t *testing.T) {
	q, _ := testQueue(t)
	s := store.NewMemory()

	w := baseWebhook("w1")
	w.Events = []types.Event{types.EventDelete}
	seedWebhook(t, s, w)

	p := NewPipeline(log.Nop(), s, q)
	err := p.Trigger(testContext(t), types.Mutation{
		Collection: "orders",
		Event:      types.EventDelete,
		Old:        types.Document{"status": "paid"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	entries, err := q.Read(testContext(t), "c1", 1, time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v (%d entries)", err, len(entries))
	}
	data := entries[0].Job.Payload.Data
	if data.Document["status"] != "paid" {
		t.Errorf("delete payload should carry the removed document, got %v", data.Document)
	}
	if data.PreviousDocument != nil {
		t.Error("delete payload should not duplicate the document as previousDocument")
	}
}
