// Package webhook delivers document mutations to subscribed HTTP
// endpoints. The Pipeline shapes payloads and enqueues jobs onto a durable
// Redis Stream; Workers claim jobs from the stream's consumer group and
// POST them with fencing, cluster-wide rate limiting, per-URL circuit
// breaking, and bounded retries.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/filter"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// SubscriptionSource is the slice of the store the pipeline reads.
type SubscriptionSource interface {
	WebhooksForEvent(ctx context.Context, collection string, event types.Event) ([]types.WebhookSubscription, error)
	GetWebhook(ctx context.Context, id string) (*types.WebhookSubscription, error)
}

// Pipeline turns mutations into delivery jobs.
type Pipeline struct {
	store  SubscriptionSource
	queue  *Queue
	eval   *filter.Evaluator
	logger *log.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(logger *log.Logger, store SubscriptionSource, queue *Queue) *Pipeline {
	return &Pipeline{
		store:  store,
		queue:  queue,
		eval:   filter.New(logger),
		logger: logger.Named("webhook"),
	}
}

// Trigger loads the subscriptions matching the mutation, evaluates their
// filters, and enqueues one delivery job per match. Enqueue failures on one
// subscription do not stop the others.
func (p *Pipeline) Trigger(ctx context.Context, mut types.Mutation) error {
	subs, err := p.store.WebhooksForEvent(ctx, mut.Collection, mut.Event)
	if err != nil {
		return fmt.Errorf("webhook: load subscriptions: %w", err)
	}

	operand := mut.Operand()
	var firstErr error
	for _, sub := range subs {
		if !p.eval.Matches(operand, sub.Filter) {
			continue
		}

		job := p.buildJob(&sub, mut)
		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.logger.Error("enqueue failed",
				zap.String("subscription_id", sub.ID),
				zap.String("delivery_id", job.DeliveryID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.logger.Debug("delivery enqueued",
			zap.String("subscription_id", sub.ID),
			zap.String("delivery_id", job.DeliveryID),
			zap.String("collection", mut.Collection),
			zap.String("event", string(mut.Event)))
	}
	return firstErr
}

// buildJob shapes the delivery payload for one subscription, applying its
// field exclusions to both document views.
func (p *Pipeline) buildJob(sub *types.WebhookSubscription, mut types.Mutation) *types.DeliveryJob {
	data := types.PayloadData{
		Document: filter.Exclude(mut.Operand(), sub.ExcludeFields),
	}
	if mut.Event == types.EventUpdate && mut.Old != nil {
		data.PreviousDocument = filter.Exclude(mut.Old, sub.ExcludeFields)
	}

	deliveryID := uuid.NewString()
	return &types.DeliveryJob{
		DeliveryID:     deliveryID,
		SubscriptionID: sub.ID,
		Payload: types.DeliveryPayload{
			ID:         deliveryID,
			Event:      mut.Event,
			Collection: mut.Collection,
			Timestamp:  time.Now().UTC(),
			Webhook:    types.WebhookRef{ID: sub.ID, Name: sub.Name},
			Data:       data,
		},
		Attempt:   0,
		NotBefore: time.Now().UTC().Add(sub.Delay),
	}
}
