// Package dispatch reacts to document mutations. Each mutation fans out to
// the webhook delivery pipeline and to every matching script subscription;
// the caller returns as soon as the work is handed off.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/filter"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/ratelimit"
	"github.com/zral/mongo-crud-api-sub001/retryq"
	"github.com/zral/mongo-crud-api-sub001/sandbox"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// DeliverySink enqueues a mutation for webhook delivery. The delivery
// pipeline selects its own subscriptions; the dispatcher only hands the
// mutation over.
type DeliverySink interface {
	Trigger(ctx context.Context, mut types.Mutation) error
}

// ScriptRunner executes a script subscription's code.
type ScriptRunner interface {
	Execute(ctx context.Context, scriptID, code string, payload, execContext types.Document) (*sandbox.Result, error)
}

// ScriptSource lists script subscriptions for a mutation.
type ScriptSource interface {
	ScriptsForEvent(ctx context.Context, collection string, event types.Event) ([]types.ScriptSubscription, error)
}

// Config tunes the dispatcher.
type Config struct {
	// InstanceID is carried into script execution context.
	InstanceID string
	// ScriptMaxRetries bounds retry attempts for failed script runs.
	ScriptMaxRetries int
	// ScriptRetryBackoff shapes the script retry delay curve.
	ScriptRetryBackoff retryq.Backoff
}

// Dispatcher is the reaction fan-out point. Mutation returns once work is
// handed off; script executions and deliveries proceed in the background.
type Dispatcher struct {
	cfg     Config
	scripts ScriptSource
	sink    DeliverySink
	runner  ScriptRunner
	eval    *filter.Evaluator
	limiter *ratelimit.Window
	retries *retryq.Queue
	metrics *metrics.Metrics
	logger  *log.Logger

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// scriptRetryPayload is what a failed script run parks in the retry queue.
type scriptRetryPayload struct {
	sub types.ScriptSubscription
	mut types.Mutation
}

// New wires a Dispatcher. The retry queue is owned by the dispatcher; call
// Run to start its sweep loop and Close to drain in-flight work.
func New(logger *log.Logger, cfg Config, scripts ScriptSource, sink DeliverySink, runner ScriptRunner, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:     cfg,
		scripts: scripts,
		sink:    sink,
		runner:  runner,
		eval:    filter.New(logger),
		limiter: ratelimit.NewWindow(ratelimit.DefaultWindow),
		metrics: m,
		logger:  logger.Named("dispatch"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	d.retries = retryq.New(logger, retryq.Config{
		Redispatch: d.redispatchScript,
		Terminal:   d.scriptRetriesExhausted,
	})
	return d
}

// Run starts the script retry sweep loop. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.retries.Run(ctx)
}

// Close stops accepting work and waits for in-flight reactions to finish.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Mutation reacts to a document change. Subscription selection and filter
// evaluation happen synchronously; delivery and execution are handed off so
// the CRUD path is never blocked on an external endpoint or a script.
func (d *Dispatcher) Mutation(ctx context.Context, collection string, event types.Event, newDoc, oldDoc types.Document) error {
	if !event.Valid() {
		return fmt.Errorf("dispatch: unknown event %q", event)
	}
	if collection == "" {
		return fmt.Errorf("dispatch: collection is required")
	}

	mut := types.Mutation{
		Collection: collection,
		Event:      event,
		New:        newDoc,
		Old:        oldDoc,
	}

	subs, err := d.scripts.ScriptsForEvent(ctx, collection, event)
	if err != nil {
		return fmt.Errorf("dispatch: load script subscriptions: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sink.Trigger(d.baseCtx, mut); err != nil {
			d.logger.Error("webhook trigger failed",
				zap.String("collection", collection),
				zap.String("event", string(event)),
				zap.Error(err))
		}
	}()

	operand := mut.Operand()
	for _, sub := range subs {
		if !d.eval.Matches(operand, sub.Filter) {
			continue
		}
		sub := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runScript(d.baseCtx, sub, mut)
		}()
	}
	return nil
}

// runScript admits and executes one script reaction. Failures are parked in
// the retry queue rather than surfaced to the mutation path.
func (d *Dispatcher) runScript(ctx context.Context, sub types.ScriptSubscription, mut types.Mutation) {
	if !d.limiter.Admit("script:"+sub.ID, sub.MaxExecutionsPerMinute) {
		d.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeDenied).Inc()
		d.logger.Warn("script execution rate limited",
			zap.String("script_id", sub.ID),
			zap.Int("limit_per_minute", sub.MaxExecutionsPerMinute))
		return
	}

	if err := d.execute(ctx, sub, mut, 0); err != nil {
		d.retries.Add(sub.ID, scriptRetryPayload{sub: sub, mut: mut},
			0, d.cfg.ScriptMaxRetries, d.cfg.ScriptRetryBackoff, err.Error())
	}
}

// execute runs the script once and records the outcome.
func (d *Dispatcher) execute(ctx context.Context, sub types.ScriptSubscription, mut types.Mutation, attempt int) error {
	payload := types.Document{
		"event":      string(mut.Event),
		"collection": mut.Collection,
		"document":   map[string]any(mut.New),
	}
	if mut.Old != nil {
		payload["previousDocument"] = map[string]any(mut.Old)
	}
	execContext := types.Document{
		"scriptId":   sub.ID,
		"scriptName": sub.Name,
		"instanceId": d.cfg.InstanceID,
		"attempt":    attempt,
		"trigger":    "mutation",
	}

	res, err := d.runner.Execute(ctx, sub.ID, sub.Code, payload, execContext)
	if err != nil {
		return err
	}

	d.metrics.ScriptSeconds.Observe(res.Duration.Seconds())
	switch {
	case res.OK:
		d.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeOK).Inc()
		return nil
	case res.Kind == sandbox.ErrorTimeout:
		d.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeTimeout).Inc()
	default:
		d.metrics.ScriptsExecuted.WithLabelValues(metrics.OutcomeError).Inc()
	}

	// Compile errors cannot improve on retry.
	if res.Kind == sandbox.ErrorCompile {
		d.logger.Error("script failed to compile",
			zap.String("script_id", sub.ID),
			zap.String("error", res.Error))
		return nil
	}
	return fmt.Errorf("script %s: %s: %s", sub.ID, res.Kind, res.Error)
}

// redispatchScript is the retry queue's callback for due script jobs.
func (d *Dispatcher) redispatchScript(ctx context.Context, job *retryq.Job) error {
	p, ok := job.Payload.(scriptRetryPayload)
	if !ok {
		return fmt.Errorf("dispatch: unexpected retry payload %T", job.Payload)
	}
	return d.execute(ctx, p.sub, p.mut, job.Attempts)
}

func (d *Dispatcher) scriptRetriesExhausted(job *retryq.Job) {
	d.logger.Error("script retries exhausted",
		zap.String("script_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError))
}
