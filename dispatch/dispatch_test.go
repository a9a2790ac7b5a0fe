package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/sandbox"
	"github.com/zral/mongo-crud-api-sub001/types"
)

type fakeScripts struct {
	subs []types.ScriptSubscription
}

func (f *fakeScripts) ScriptsForEvent(_ context.Context, collection string, event types.Event) ([]types.ScriptSubscription, error) {
	var out []types.ScriptSubscription
	for _, s := range f.subs {
		if s.Enabled && s.Matches(collection) && s.SubscribesTo(event) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeSink struct {
	mu   sync.Mutex
	muts []types.Mutation
}

func (f *fakeSink) Trigger(_ context.Context, mut types.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muts = append(f.muts, mut)
	return nil
}

func (f *fakeSink) triggered() []types.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Mutation(nil), f.muts...)
}

type execution struct {
	scriptID string
	payload  types.Document
	execCtx  types.Document
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   []execution
	result *sandbox.Result
}

func (f *fakeRunner) Execute(_ context.Context, scriptID, _ string, payload, execCtx types.Document) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, execution{scriptID: scriptID, payload: payload, execCtx: execCtx})
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.Result{OK: true}, nil
}

func (f *fakeRunner) executions() []execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution(nil), f.runs...)
}

func scriptSub(id string, filter types.Document) types.ScriptSubscription {
	return types.ScriptSubscription{
		ID:         id,
		Name:       id,
		Code:       "return true",
		Collection: "orders",
		Events:     []types.Event{types.EventUpdate},
		Enabled:    true,
		Filter:     filter,
	}
}

func newDispatcher(t *testing.T, scripts *fakeScripts, sink *fakeSink, runner *fakeRunner) *Dispatcher {
	t.Helper()
	return New(log.Nop(), Config{InstanceID: "test-1"}, scripts, sink, runner, metrics.Nop())
}

func TestMutation_RejectsInvalidInput(t *testing.T) {
	d := newDispatcher(t, &fakeScripts{}, &fakeSink{}, &fakeRunner{})
	defer d.Close()

	if err := d.Mutation(testContext(t), "orders", "upsert", nil, nil); err == nil {
		t.Error("unknown event should be rejected")
	}
	if err := d.Mutation(testContext(t), "", types.EventCreate, nil, nil); err == nil {
		t.Error("empty collection should be rejected")
	}
}

func TestMutation_TriggersWebhookSink(t *testing.T) {
	sink := &fakeSink{}
	d := newDispatcher(t, &fakeScripts{}, sink, &fakeRunner{})

	doc := types.Document{"status": "paid"}
	if err := d.Mutation(testContext(t), "orders", types.EventUpdate, doc, nil); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	d.Close()

	muts := sink.triggered()
	if len(muts) != 1 {
		t.Fatalf("expected one webhook trigger, got %d", len(muts))
	}
	if muts[0].Collection != "orders" || muts[0].Event != types.EventUpdate {
		t.Errorf("unexpected mutation %+v", muts[0])
	}
}

func TestMutation_FilterSelectsScripts(t *testing.T) {
	inPaid := types.Document{"status": map[string]any{"$in": []any{"paid", "refunded"}}}
	scripts := &fakeScripts{subs: []types.ScriptSubscription{
		scriptSub("on-paid", inPaid),
		scriptSub("always", nil),
	}}
	runner := &fakeRunner{}
	d := newDispatcher(t, scripts, &fakeSink{}, runner)

	paid := types.Document{"status": "paid"}
	if err := d.Mutation(testContext(t), "orders", types.EventUpdate, paid, nil); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	d.Close()

	ran := map[string]bool{}
	for _, e := range runner.executions() {
		ran[e.scriptID] = true
	}
	if !ran["on-paid"] || !ran["always"] {
		t.Fatalf("expected both scripts for status=paid, ran %v", ran)
	}
}

func TestMutation_FilterExcludesNonMatching(t *testing.T) {
	inPaid := types.Document{"status": map[string]any{"$in": []any{"paid", "refunded"}}}
	scripts := &fakeScripts{subs: []types.ScriptSubscription{scriptSub("on-paid", inPaid)}}
	runner := &fakeRunner{}
	d := newDispatcher(t, scripts, &fakeSink{}, runner)

	draft := types.Document{"status": "draft"}
	if err := d.Mutation(testContext(t), "orders", types.EventUpdate, draft, nil); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	d.Close()

	if n := len(runner.executions()); n != 0 {
		t.Fatalf("draft document should not match, got %d executions", n)
	}
}

func TestMutation_DeleteFiltersAgainstOldDocument(t *testing.T) {
	sub := scriptSub("on-del", types.Document{"status": "paid"})
	sub.Events = []types.Event{types.EventDelete}
	scripts := &fakeScripts{subs: []types.ScriptSubscription{sub}}
	runner := &fakeRunner{}
	d := newDispatcher(t, scripts, &fakeSink{}, runner)

	old := types.Document{"status": "paid"}
	if err := d.Mutation(testContext(t), "orders", types.EventDelete, nil, old); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	d.Close()

	runs := runner.executions()
	if len(runs) != 1 {
		t.Fatalf("expected one execution, got %d", len(runs))
	}
	if runs[0].payload["previousDocument"] == nil {
		t.Error("delete payload should carry previousDocument")
	}
}

func TestMutation_ScriptPayloadShape(t *testing.T) {
	scripts := &fakeScripts{subs: []types.ScriptSubscription{scriptSub("s1", nil)}}
	runner := &fakeRunner{}
	d := newDispatcher(t, scripts, &fakeSink{}, runner)

	doc := types.Document{"status": "paid"}
	if err := d.Mutation(testContext(t), "orders", types.EventUpdate, doc, nil); err != nil {
		t.Fatalf("mutation: %v", err)
	}
	d.Close()

	runs := runner.executions()
	if len(runs) != 1 {
		t.Fatalf("expected one execution, got %d", len(runs))
	}
	p := runs[0].payload
	if p["event"] != "update" || p["collection"] != "orders" {
		t.Errorf("payload missing mutation info: %v", p)
	}
	if p["document"] == nil {
		t.Error("payload missing document")
	}
	c := runs[0].execCtx
	if c["scriptId"] != "s1" || c["trigger"] != "mutation" || c["instanceId"] != "test-1" {
		t.Errorf("unexpected execution context: %v", c)
	}
}

func TestMutation_RateLimitBoundsExecutions(t *testing.T) {
	sub := scriptSub("limited", nil)
	sub.MaxExecutionsPerMinute = 2
	scripts := &fakeScripts{subs: []types.ScriptSubscription{sub}}
	runner := &fakeRunner{}
	d := newDispatcher(t, scripts, &fakeSink{}, runner)

	doc := types.Document{"status": "paid"}
	for i := 0; i < 5; i++ {
		if err := d.Mutation(testContext(t), "orders", types.EventUpdate, doc, nil); err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		// Serialize the fan-out so admission order is deterministic.
		d.wg.Wait()
	}
	d.Close()

	if n := len(runner.executions()); n != 2 {
		t.Fatalf("expected 2 admitted executions, got %d", n)
	}
}
