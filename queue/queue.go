// Package queue implements the durable job queue on Redis Streams. Producers
// append task messages to a per-topic stream; workers compete for them through
// a consumer group. Delivery is at-least-once: unacknowledged messages stay in
// the group's pending-entries list and are reclaimed by surviving consumers
// after a crash. A KV side-channel keyed by idempotence key suppresses
// duplicate enqueues within a TTL window.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/clients/redis"
	"github.com/ecoachlabs/ideamine-engine/keys"
)

type (
	// Message is the queue payload: the producer-supplied idempotence key,
	// the serialized task spec, and the append timestamp.
	Message struct {
		// ID is the stream entry ID assigned by Redis.
		ID string
		// Key is the idempotence key recorded in the dedup side-channel.
		Key string
		// Payload is the serialized task spec.
		Payload []byte
		// Timestamp records when the producer appended the message.
		Timestamp time.Time
	}

	// Handler processes one consumed message. A nil return acknowledges the
	// message; an error leaves it in the pending-entries list for recovery.
	Handler func(ctx context.Context, msg *Message) error

	// Options configures the queue.
	Options struct {
		// Client is the shared Redis connection. Required.
		Client *redis.Client
		// BlockTime bounds each blocking stream read. Defaults to 5s.
		BlockTime time.Duration
		// BatchSize bounds how many messages one read returns. Defaults to 10.
		BatchSize int
		// DedupTTL bounds the duplicate-suppression window. Defaults to 24h.
		DedupTTL time.Duration
	}

	// Queue is the stream-backed job queue.
	Queue struct {
		rdb       *redis.Client
		blockTime time.Duration
		batchSize int
		dedupTTL  time.Duration

		mu    sync.Mutex
		stops map[string]chan struct{}

		groupsMu sync.Mutex
		groups   map[string]bool // topic:group pairs already created
	}
)

const (
	defaultBlockTime = 5 * time.Second
	defaultBatchSize = 10
	defaultDedupTTL  = 24 * time.Hour

	dedupPrefix = "idempotence:"
)

// errReadBackoff is how long the consume loop sleeps after a stream error.
const errReadBackoff = time.Second

// New builds a queue on the shared Redis connection.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	blockTime := opts.BlockTime
	if blockTime <= 0 {
		blockTime = defaultBlockTime
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}
	return &Queue{
		rdb:       opts.Client,
		blockTime: blockTime,
		batchSize: batchSize,
		dedupTTL:  dedupTTL,
		stops:     make(map[string]chan struct{}),
		groups:    make(map[string]bool),
	}, nil
}

// Enqueue appends a message to the topic stream unless its idempotence key was
// seen within the dedup TTL. It returns the stream entry ID, or the empty
// string when the message was suppressed as a duplicate. When key is empty it
// is derived from the topic and payload.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, key string) (string, error) {
	if key == "" {
		key = keys.ForMessage(topic, payload)
	}
	dedupKey := dedupPrefix + key

	// First-writer-wins within the TTL window.
	existing, err := q.rdb.Get(ctx, dedupKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("check dedup key %s: %w", key, err)
	}
	if existing != "" {
		log.Debug(ctx, log.KV{K: "msg", V: "duplicate enqueue suppressed"},
			log.KV{K: "topic", V: topic}, log.KV{K: "key", V: key})
		return "", nil
	}

	tracer := otel.Tracer("github.com/ecoachlabs/ideamine-engine/queue")
	ctx, span := tracer.Start(ctx, "queue.enqueue",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis-streams"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("queue.idempotence_key", key),
		),
	)
	defer span.End()

	id, err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"key":       key,
			"payload":   payload,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream append")
		return "", fmt.Errorf("append to stream %s: %w", topic, err)
	}

	// A KV failure after the append is fatal for this enqueue; the duplicate
	// window for the next enqueue of the same key is bounded by the TTL.
	if err := q.rdb.SetEx(ctx, dedupKey, id, q.dedupTTL).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dedup record")
		return "", fmt.Errorf("record dedup key %s: %w", key, err)
	}
	span.AddEvent("queue.enqueued", trace.WithAttributes(attribute.String("queue.message_id", id)))
	return id, nil
}

// Consume runs the cooperative consume loop for one consumer until
// StopConsumer is called or the context is cancelled. Messages whose handler
// returns nil are acknowledged; failures stay in the pending-entries list.
// Stream errors back the loop off for a second before retrying.
func (q *Queue) Consume(ctx context.Context, topic, group, consumer string, handler Handler) error {
	if err := q.ensureGroup(ctx, topic, group); err != nil {
		return err
	}
	stop := q.registerStop(topic, group, consumer)
	defer q.unregisterStop(topic, group, consumer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(q.batchSize),
			Block:    q.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue // block timeout, no new messages
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "stream read failed"},
				log.KV{K: "topic", V: topic})
			select {
			case <-time.After(errReadBackoff):
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range streams {
			q.dispatch(ctx, topic, group, stream.Messages, handler)
		}
	}
}

// dispatch parses and handles a batch, acking successes.
func (q *Queue) dispatch(ctx context.Context, topic, group string, msgs []goredis.XMessage, handler Handler) {
	for _, raw := range msgs {
		msg := parseMessage(raw)
		if err := handler(ctx, msg); err != nil {
			// Not acked: the entry stays pending for claim/recovery.
			log.Warn(ctx, log.KV{K: "msg", V: "handler failed, message left pending"},
				log.KV{K: "topic", V: topic},
				log.KV{K: "message_id", V: msg.ID},
				log.KV{K: "err", V: err.Error()})
			continue
		}
		if err := q.rdb.XAck(ctx, topic, group, raw.ID).Err(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "ack failed"},
				log.KV{K: "topic", V: topic},
				log.KV{K: "message_id", V: msg.ID})
		}
	}
}

// StopConsumer flips the stop flag for one consumer's loop. Safe to call for
// consumers that are not running.
func (q *Queue) StopConsumer(topic, group, consumer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := consumerKey(topic, group, consumer)
	if stop, ok := q.stops[key]; ok {
		close(stop)
		delete(q.stops, key)
	}
}

// ClaimPending claims pending entries older than minIdle for the given
// consumer so a surviving worker takes over after a crash. It returns the
// number of claimed entries; DrainOwnPending then processes them.
func (q *Queue) ClaimPending(ctx context.Context, topic, group, consumer string, minIdle time.Duration) (int, error) {
	if err := q.ensureGroup(ctx, topic, group); err != nil {
		return 0, err
	}
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(q.batchSize * 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list pending entries for %s/%s: %w", topic, group, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer == consumer {
			continue // already ours
		}
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	claimed, err := q.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("claim pending entries for %s/%s: %w", topic, group, err)
	}
	if len(claimed) > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "pending entries claimed"},
			log.KV{K: "topic", V: topic},
			log.KV{K: "consumer", V: consumer},
			log.KV{K: "count", V: len(claimed)})
	}
	return len(claimed), nil
}

// DrainOwnPending reads the consumer's own pending entries (claimed or never
// acked) and runs them through the handler, acking successes. It returns how
// many messages were handled successfully.
func (q *Queue) DrainOwnPending(ctx context.Context, topic, group, consumer string, handler Handler) (int, error) {
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, "0"},
		Count:    int64(q.batchSize),
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read own pending for %s/%s: %w", topic, group, err)
	}
	n := 0
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			msg := parseMessage(raw)
			if err := handler(ctx, msg); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "pending replay failed"},
					log.KV{K: "message_id", V: msg.ID},
					log.KV{K: "err", V: err.Error()})
				continue
			}
			if err := q.rdb.XAck(ctx, topic, group, raw.ID).Err(); err != nil {
				return n, fmt.Errorf("ack replayed message %s: %w", raw.ID, err)
			}
			n++
		}
	}
	return n, nil
}

// Depth returns the stream length of the topic.
func (q *Queue) Depth(ctx context.Context, topic string) (int64, error) {
	n, err := q.rdb.XLen(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length of %s: %w", topic, err)
	}
	return n, nil
}

// DedupEntry returns the message ID recorded for an idempotence key, or the
// empty string when no entry exists (expired or never enqueued).
func (q *Queue) DedupEntry(ctx context.Context, key string) (string, error) {
	id, err := q.rdb.Get(ctx, dedupPrefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read dedup key %s: %w", key, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group with MKSTREAM, ignoring the
// "already exists" reply.
func (q *Queue) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + ":" + group
	q.groupsMu.Lock()
	defer q.groupsMu.Unlock()
	if q.groups[key] {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, topic, err)
	}
	q.groups[key] = true
	return nil
}

func (q *Queue) registerStop(topic, group, consumer string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := make(chan struct{})
	q.stops[consumerKey(topic, group, consumer)] = stop
	return stop
}

func (q *Queue) unregisterStop(topic, group, consumer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.stops, consumerKey(topic, group, consumer))
}

func consumerKey(topic, group, consumer string) string {
	return topic + ":" + group + ":" + consumer
}

func parseMessage(raw goredis.XMessage) *Message {
	msg := &Message{ID: raw.ID}
	if v, ok := raw.Values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := raw.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := raw.Values["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.Timestamp = ts
		}
	}
	return msg
}

// EncodeSpec serializes a task spec payload for the queue. Kept next to the
// queue so producers and consumers agree on the wire shape.
func EncodeSpec(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	return b, nil
}
