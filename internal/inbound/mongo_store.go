package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoEventStore implements EventStore using MongoDB.
//
// The external event ID is the document _id, so admission leans on the
// collection's unique index: a duplicate insert surfaces as a duplicate key
// error and the stored document is returned instead.
type MongoEventStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// mongoEvent represents the MongoDB document structure.
type mongoEvent struct {
	ID                 string     `bson:"_id"`
	Source             string     `bson:"source"`
	EventType          string     `bson:"eventType"`
	Payload            []byte     `bson:"payload"`
	APIVersion         string     `bson:"apiVersion,omitempty"`
	Livemode           bool       `bson:"livemode"`
	Status             string     `bson:"status"`
	ProcessingAttempts int        `bson:"processingAttempts"`
	LastProcessingAt   *time.Time `bson:"lastProcessingAt,omitempty"`
	NextAttemptAt      time.Time  `bson:"nextAttemptAt"`
	ErrorMessage       string     `bson:"errorMessage,omitempty"`
	CreatedAt          time.Time  `bson:"createdAt"`
	UpdatedAt          time.Time  `bson:"updatedAt"`
}

// NewMongoEventStore creates a MongoDB-backed event store.
func NewMongoEventStore(connectionString, database, collection string) (*MongoEventStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextAttemptAt", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "createdAt", Value: -1}},
		},
	}

	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &MongoEventStore{
		client:     client,
		collection: coll,
	}, nil
}

// Admit inserts the event if its external ID is absent.
func (s *MongoEventStore) Admit(ctx context.Context, event InboundEvent) (AdmitResult, error) {
	now := time.Now().UTC()
	if event.Status == "" {
		event.Status = StatusPending
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = now
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, toMongoEvent(event))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, getErr := s.Get(ctx, event.ExternalEventID)
			if getErr != nil {
				return AdmitResult{}, getErr
			}
			return AdmitResult{IsNew: false, Event: existing}, nil
		}
		return AdmitResult{}, fmt.Errorf("insert event: %w", err)
	}

	return AdmitResult{IsNew: true, Event: event}, nil
}

// Get retrieves an event by its external ID.
func (s *MongoEventStore) Get(ctx context.Context, externalEventID string) (InboundEvent, error) {
	var me mongoEvent
	err := s.collection.FindOne(ctx, bson.M{"_id": externalEventID}).Decode(&me)
	if err == mongo.ErrNoDocuments {
		return InboundEvent{}, ErrNotFound
	}
	if err != nil {
		return InboundEvent{}, fmt.Errorf("find event: %w", err)
	}
	return fromMongoEvent(me), nil
}

// ClaimForProcessing moves a pending or retrying event to processing.
func (s *MongoEventStore) ClaimForProcessing(ctx context.Context, externalEventID string) (InboundEvent, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"_id":    externalEventID,
		"status": bson.M{"$in": []string{string(StatusPending), string(StatusRetrying)}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":           string(StatusProcessing),
			"lastProcessingAt": now,
			"updatedAt":        now,
		},
		"$inc": bson.M{"processingAttempts": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var me mongoEvent
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&me)
	if err == mongo.ErrNoDocuments {
		if _, getErr := s.Get(ctx, externalEventID); getErr != nil {
			return InboundEvent{}, getErr
		}
		return InboundEvent{}, ErrNotClaimable
	}
	if err != nil {
		return InboundEvent{}, fmt.Errorf("claim event: %w", err)
	}
	return fromMongoEvent(me), nil
}

// MarkSucceeded finishes the event successfully.
func (s *MongoEventStore) MarkSucceeded(ctx context.Context, externalEventID string) error {
	update := bson.M{"$set": bson.M{
		"status":    string(StatusSucceeded),
		"updatedAt": time.Now().UTC(),
	}, "$unset": bson.M{"errorMessage": ""}}
	return s.updateOne(ctx, externalEventID, update)
}

// MarkFailed finishes the event with a recorded error.
func (s *MongoEventStore) MarkFailed(ctx context.Context, externalEventID string, errorMessage string) error {
	update := bson.M{"$set": bson.M{
		"status":       string(StatusFailed),
		"errorMessage": errorMessage,
		"updatedAt":    time.Now().UTC(),
	}}
	return s.updateOne(ctx, externalEventID, update)
}

// MarkRetrying records a transient handler error and schedules the next
// attempt.
func (s *MongoEventStore) MarkRetrying(ctx context.Context, externalEventID string, errorMessage string, nextAttemptAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":        string(StatusRetrying),
		"errorMessage":  errorMessage,
		"nextAttemptAt": nextAttemptAt,
		"updatedAt":     time.Now().UTC(),
	}}
	return s.updateOne(ctx, externalEventID, update)
}

// ListDue returns pending and retrying events ready for processing.
func (s *MongoEventStore) ListDue(ctx context.Context, limit int) ([]InboundEvent, error) {
	filter := bson.M{
		"status":        bson.M{"$in": []string{string(StatusPending), string(StatusRetrying)}},
		"nextAttemptAt": bson.M{"$lte": time.Now().UTC()},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []InboundEvent
	for cursor.Next(ctx) {
		var me mongoEvent
		if err := cursor.Decode(&me); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, fromMongoEvent(me))
	}
	return out, cursor.Err()
}

// Close disconnects from MongoDB.
func (s *MongoEventStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoEventStore) updateOne(ctx context.Context, externalEventID string, update bson.M) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": externalEventID}, update)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toMongoEvent(ev InboundEvent) mongoEvent {
	return mongoEvent{
		ID:                 ev.ExternalEventID,
		Source:             ev.Source,
		EventType:          ev.EventType,
		Payload:            []byte(ev.Payload),
		APIVersion:         ev.APIVersion,
		Livemode:           ev.Livemode,
		Status:             string(ev.Status),
		ProcessingAttempts: ev.ProcessingAttempts,
		LastProcessingAt:   ev.LastProcessingAt,
		NextAttemptAt:      ev.NextAttemptAt,
		ErrorMessage:       ev.ErrorMessage,
		CreatedAt:          ev.CreatedAt,
		UpdatedAt:          ev.UpdatedAt,
	}
}

func fromMongoEvent(me mongoEvent) InboundEvent {
	return InboundEvent{
		ExternalEventID:    me.ID,
		Source:             me.Source,
		EventType:          me.EventType,
		Payload:            json.RawMessage(me.Payload),
		APIVersion:         me.APIVersion,
		Livemode:           me.Livemode,
		Status:             Status(me.Status),
		ProcessingAttempts: me.ProcessingAttempts,
		LastProcessingAt:   me.LastProcessingAt,
		NextAttemptAt:      me.NextAttemptAt,
		ErrorMessage:       me.ErrorMessage,
		CreatedAt:          me.CreatedAt,
		UpdatedAt:          me.UpdatedAt,
	}
}
