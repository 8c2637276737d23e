package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/example/shopcore/pkg/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const auditService = "shopcore"

// AuditLog is one stored business event. Payment events carry the order
// they belong to in OrderID.
type AuditLog struct {
	ID        primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	Service   string                 `bson:"service" json:"service"`
	Action    string                 `bson:"action" json:"action"`
	EntityID  string                 `bson:"entity_id" json:"entity_id"`
	OrderID   string                 `bson:"order_id,omitempty" json:"order_id,omitempty"`
	Actor     string                 `bson:"actor,omitempty" json:"actor,omitempty"`
	Data      map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
	CreatedAt time.Time              `bson:"created_at" json:"created_at"`
}

func newAuditLog(entry AuditEntry, at time.Time) *AuditLog {
	return &AuditLog{
		Service:   auditService,
		Action:    entry.Action,
		EntityID:  entry.EntityID,
		OrderID:   entry.OrderID,
		Actor:     entry.Actor,
		Data:      entry.Data,
		CreatedAt: at.UTC(),
	}
}

// trailFilter matches the events about id itself and, when id is an
// order, the events of its payments.
func trailFilter(id string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"entity_id": id},
		bson.M{"order_id": id},
	}}
}

var auditIndexes = []mongo.IndexModel{
	{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "created_at", Value: -1}}},
	{Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "created_at", Value: -1}}},
	{Keys: bson.D{{Key: "action", Value: 1}}},
}

// AuditTrail keeps order and payment events in one Mongo collection.
type AuditTrail struct {
	client *mongo.Client
	events *mongo.Collection
	clock  func() time.Time
}

func NewAuditTrail(ctx context.Context, cfg *config.MongoDBConfig) (*AuditTrail, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	trail := &AuditTrail{
		client: client,
		events: client.Database(cfg.Database).Collection(cfg.Collection),
		clock:  time.Now,
	}
	if _, err := trail.events.Indexes().CreateMany(ctx, auditIndexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return trail, nil
}

func (a *AuditTrail) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, nil)
}

func (a *AuditTrail) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// Record implements Auditor.
func (a *AuditTrail) Record(ctx context.Context, entry AuditEntry) error {
	_, err := a.events.InsertOne(ctx, newAuditLog(entry, a.clock()))
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", entry.Action, err)
	}
	return nil
}

// Trail returns the newest events about id, at most limit of them.
func (a *AuditTrail) Trail(ctx context.Context, id string, limit int64) ([]*AuditLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := a.events.Find(ctx, trailFilter(id), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer cursor.Close(ctx)

	logs := []*AuditLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, fmt.Errorf("failed to decode audit trail: %w", err)
	}
	return logs, nil
}
