package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/zral/mongo-crud-api-sub001/types"
)

// connectTimeout bounds the initial document-store connection attempt.
const connectTimeout = 10 * time.Second

// Mongo persists subscriptions in the document store's system collections.
type Mongo struct {
	client    *mongo.Client
	webhooks  *mongo.Collection
	scripts   *mongo.Collection
	schedules *mongo.Collection
}

// NewMongo connects to the document store and binds the system collections.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("store: document store URI is required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := client.Database(database)
	return &Mongo{
		client:    client,
		webhooks:  db.Collection(WebhooksCollection),
		scripts:   db.Collection(ScriptsCollection),
		schedules: db.Collection(SchedulesCollection),
	}, nil
}

// --- Webhooks ---

func (m *Mongo) ListWebhooks(ctx context.Context) ([]types.WebhookSubscription, error) {
	return decodeAll[types.WebhookSubscription](ctx, m.webhooks, bson.M{})
}

func (m *Mongo) WebhooksForEvent(ctx context.Context, collection string, event types.Event) ([]types.WebhookSubscription, error) {
	filter := bson.M{
		"collection": collection,
		"enabled":    true,
		"events":     event,
	}
	return decodeAll[types.WebhookSubscription](ctx, m.webhooks, filter)
}

func (m *Mongo) GetWebhook(ctx context.Context, id string) (*types.WebhookSubscription, error) {
	return decodeOne[types.WebhookSubscription](ctx, m.webhooks, id)
}

func (m *Mongo) CreateWebhook(ctx context.Context, w *types.WebhookSubscription) error {
	if err := prepareWebhook(w); err != nil {
		return err
	}
	touchWebhook(w, true)

	if _, err := m.webhooks.InsertOne(ctx, w); err != nil {
		return fmt.Errorf("store: insert webhook: %w", err)
	}
	return nil
}

func (m *Mongo) UpdateWebhook(ctx context.Context, id string, update types.Document) (*types.WebhookSubscription, error) {
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

	if _, err := m.webhooks.ReplaceOne(ctx, bson.M{"_id": id}, merged); err != nil {
		return nil, fmt.Errorf("store: update webhook: %w", err)
	}
	return &merged, nil
}

func (m *Mongo) DeleteWebhook(ctx context.Context, id string) error {
	return deleteByID(ctx, m.webhooks, id)
}

// --- Scripts ---

func (m *Mongo) ListScripts(ctx context.Context) ([]types.ScriptSubscription, error) {
	return decodeAll[types.ScriptSubscription](ctx, m.scripts, bson.M{})
}

func (m *Mongo) ScriptsForEvent(ctx context.Context, collection string, event types.Event) ([]types.ScriptSubscription, error) {
	// Scripts with an empty collection subscribe to every collection.
	filter := bson.M{
		"enabled": true,
		"events":  event,
		"$or": bson.A{
			bson.M{"collection": collection},
			bson.M{"collection": ""},
		},
	}
	return decodeAll[types.ScriptSubscription](ctx, m.scripts, filter)
}

func (m *Mongo) GetScript(ctx context.Context, id string) (*types.ScriptSubscription, error) {
	return decodeOne[types.ScriptSubscription](ctx, m.scripts, id)
}

func (m *Mongo) CreateScript(ctx context.Context, s *types.ScriptSubscription) error {
	if err := prepareScript(s); err != nil {
		return err
	}
	touchScript(s, true)

	if _, err := m.scripts.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("store: insert script: %w", err)
	}
	return nil
}

func (m *Mongo) UpdateScript(ctx context.Context, id string, update types.Document) (*types.ScriptSubscription, error) {
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

	if _, err := m.scripts.ReplaceOne(ctx, bson.M{"_id": id}, merged); err != nil {
		return nil, fmt.Errorf("store: update script: %w", err)
	}
	return &merged, nil
}

func (m *Mongo) DeleteScript(ctx context.Context, id string) error {
	return deleteByID(ctx, m.scripts, id)
}

// --- Schedules ---

func (m *Mongo) ListSchedules(ctx context.Context) ([]types.ScheduledScript, error) {
	return decodeAll[types.ScheduledScript](ctx, m.schedules, bson.M{})
}

func (m *Mongo) GetSchedule(ctx context.Context, scriptID string) (*types.ScheduledScript, error) {
	return decodeOne[types.ScheduledScript](ctx, m.schedules, scriptID)
}

func (m *Mongo) SaveSchedule(ctx context.Context, s *types.ScheduledScript) error {
	if err := prepareSchedule(s); err != nil {
		return err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.schedules.ReplaceOne(ctx, bson.M{"_id": s.ScriptID}, s, opts); err != nil {
		return fmt.Errorf("store: save schedule: %w", err)
	}
	return nil
}

func (m *Mongo) DeleteSchedule(ctx context.Context, scriptID string) error {
	return deleteByID(ctx, m.schedules, scriptID)
}

// --- Lifecycle ---

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// --- Helpers ---

func decodeAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.M) ([]T, error) {
	cur, err := coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", coll.Name(), err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", coll.Name(), err)
	}
	return out, nil
}

func decodeOne[T any](ctx context.Context, coll *mongo.Collection, id string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", coll.Name(), err)
	}
	return &out, nil
}

func deleteByID(ctx context.Context, coll *mongo.Collection, id string) error {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", coll.Name(), err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Verify Mongo implements the Store interface.
var _ Store = (*Mongo)(nil)
