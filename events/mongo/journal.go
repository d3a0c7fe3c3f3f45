// Package mongo persists the engine's event trail to MongoDB. The journal
// subscribes to the in-process bus and appends every validated event, giving
// quality gates and UIs a durable, queryable history.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/events"
)

type (
	// Options configures the journal.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database holds the journal collection. Required.
		Database string
		// Collection defaults to "engine_events".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Journal is the Mongo-backed event store.
	Journal struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	eventDocument struct {
		EventID       string         `bson:"event_id"`
		Type          string         `bson:"type"`
		Timestamp     time.Time      `bson:"timestamp"`
		WorkflowRunID string         `bson:"workflow_run_id"`
		Phase         string         `bson:"phase,omitempty"`
		CorrelationID string         `bson:"correlation_id,omitempty"`
		Metadata      map[string]any `bson:"metadata,omitempty"`
		Payload       map[string]any `bson:"payload,omitempty"`
	}
)

const (
	defaultCollection = "engine_events"
	defaultTimeout    = 5 * time.Second
	journalName       = "events-mongo"
)

// NewJournal builds the journal and ensures its indexes.
func NewJournal(ctx context.Context, opts Options) (*Journal, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(idxCtx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure journal indexes: %w", err)
	}
	return &Journal{client: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (j *Journal) Name() string { return journalName }

// Ping implements health.Pinger.
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx, readpref.Primary())
}

// Append stores one event. Duplicate event IDs (bus redelivery) are ignored.
func (j *Journal) Append(ctx context.Context, e *events.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	_, err := j.coll.InsertOne(ctx, eventDocument{
		EventID:       e.EventID,
		Type:          string(e.Type),
		Timestamp:     e.Timestamp.UTC(),
		WorkflowRunID: e.WorkflowRunID,
		Phase:         e.Phase,
		CorrelationID: e.CorrelationID,
		Metadata:      e.Metadata,
		Payload:       e.Payload,
	})
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.EventID, err)
	}
	return nil
}

// ListByRun returns the event trail of one workflow run in timestamp order.
func (j *Journal) ListByRun(ctx context.Context, workflowRunID string, limit int64) ([]*events.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(limit)
	}
	cur, err := j.coll.Find(ctx, bson.D{{Key: "workflow_run_id", Value: workflowRunID}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", workflowRunID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*events.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event document: %w", err)
		}
		out = append(out, &events.Event{
			EventID:       doc.EventID,
			Type:          events.Type(doc.Type),
			Timestamp:     doc.Timestamp,
			WorkflowRunID: doc.WorkflowRunID,
			Phase:         doc.Phase,
			CorrelationID: doc.CorrelationID,
			Metadata:      doc.Metadata,
			Payload:       doc.Payload,
		})
	}
	return out, cur.Err()
}

// Attach subscribes the journal to every event on the bus. Append failures
// are logged, not surfaced: a journal outage must not block the engine.
func (j *Journal) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.Subscribe("*", func(ctx context.Context, e *events.Event) {
		if err := j.Append(ctx, e); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "event journal append failed"},
				log.KV{K: "event_id", V: e.EventID})
		}
	})
}
