package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// Stream and consumer-group names for the durable delivery queue.
const (
	StreamKey     = "webhook:deliveries"
	DeadStreamKey = "webhook:deliveries:dead"
	ConsumerGroup = "delivery-workers"
)

// jobField is the stream entry field carrying the msgpack-encoded job.
const jobField = "job"

// Queue is the durable delivery queue: a Redis Stream with a consumer
// group, so an instance crash leaves claimed entries pending for another
// consumer instead of losing them.
type Queue struct {
	coord  *coord.Client
	logger *log.Logger
}

// Entry is one claimed stream entry.
type Entry struct {
	StreamID string
	Job      types.DeliveryJob
}

// NewQueue creates a Queue on the shared coordination client.
func NewQueue(c *coord.Client, logger *log.Logger) *Queue {
	return &Queue{coord: c, logger: logger.Named("queue")}
}

// EnsureGroup creates the consumer group, tolerating a pre-existing one.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.coord.Redis().XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("webhook: create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends a delivery job to the stream.
func (q *Queue) Enqueue(ctx context.Context, job *types.DeliveryJob) error {
	b, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("webhook: encode job %s: %w", job.DeliveryID, err)
	}
	err = q.coord.Redis().XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]any{jobField: b},
	}).Err()
	if err != nil {
		return fmt.Errorf("webhook: enqueue %s: %w", job.DeliveryID, err)
	}
	return nil
}

// Read claims up to count entries for the named consumer, blocking up to
// block when the stream is empty. Undecodable entries are acked and
// dropped so one bad record cannot wedge the group.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := q.coord.Redis().XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{StreamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("webhook: read stream: %w", err)
	}

	var out []Entry
	for _, stream := range streams {
		out = append(out, q.decode(ctx, stream.Messages)...)
	}
	return out, nil
}

// Claim transfers pending entries idle for at least minIdle to the named
// consumer. This is how deliveries claimed by a crashed instance re-enter
// circulation.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := q.coord.Redis().XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("webhook: claim pending: %w", err)
	}
	return q.decode(ctx, msgs), nil
}

// decode unpacks stream messages into entries. Undecodable messages are
// acked and dropped so one bad record cannot wedge the group.
func (q *Queue) decode(ctx context.Context, msgs []goredis.XMessage) []Entry {
	var out []Entry
	for _, msg := range msgs {
		raw, ok := msg.Values[jobField].(string)
		if !ok {
			q.logger.Error("malformed stream entry, dropping", zap.String("stream_id", msg.ID))
			_ = q.Ack(ctx, msg.ID)
			continue
		}
		var job types.DeliveryJob
		if err := msgpack.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("undecodable delivery job, dropping",
				zap.String("stream_id", msg.ID),
				zap.Error(err))
			_ = q.Ack(ctx, msg.ID)
			continue
		}
		out = append(out, Entry{StreamID: msg.ID, Job: job})
	}
	return out
}

// Ack acknowledges processed entries.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.coord.Redis().XAck(ctx, StreamKey, ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("webhook: ack: %w", err)
	}
	return nil
}

// Bury moves a job that exhausted its retries onto the dead stream for
// operator inspection.
func (q *Queue) Bury(ctx context.Context, job *types.DeliveryJob, reason string) error {
	job.LastError = reason
	b, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("webhook: encode dead job %s: %w", job.DeliveryID, err)
	}
	err = q.coord.Redis().XAdd(ctx, &goredis.XAddArgs{
		Stream: DeadStreamKey,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]any{jobField: b, "reason": reason},
	}).Err()
	if err != nil {
		return fmt.Errorf("webhook: bury %s: %w", job.DeliveryID, err)
	}
	return nil
}

// Depth returns the number of entries in the delivery stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.coord.Redis().XLen(ctx, StreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook: stream length: %w", err)
	}
	return n, nil
}

// PendingCount returns entries claimed by consumers but not yet acked.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	p, err := q.coord.Redis().XPending(ctx, StreamKey, ConsumerGroup).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("webhook: pending: %w", err)
	}
	return p.Count, nil
}
