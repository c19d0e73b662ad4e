package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// =============================================================================
// 📝 LogSink
// =============================================================================

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "event_log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	s.logger.Info("event",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("actor", ev.Actor),
		zap.String("task_code", ev.TaskCode),
		zap.Any("payload", ev.Payload),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}

// =============================================================================
// 🚌 Bus
// =============================================================================

// AllTypes subscribes a handler to every event type.
const AllTypes Type = "*"

// Handler 事件处理器
type Handler func(Event)

type subscription struct {
	id      string
	typ     Type
	handler Handler
}

// Bus fans events out to in-process subscribers.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []subscription
	logger        *zap.Logger
}

// NewBus creates an in-process event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.With(zap.String("component", "event_bus"))}
}

// Subscribe 订阅事件，返回订阅 ID
func (b *Bus) Subscribe(typ Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions = append(b.subscriptions, subscription{id: id, typ: typ, handler: handler})
	return id
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

func (b *Bus) Name() string { return "bus" }

func (b *Bus) Write(_ context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.typ == AllTypes || sub.typ == ev.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
	return nil
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(ev.Type)),
				zap.Any("recover", r),
			)
		}
	}()
	h(ev)
}

// =============================================================================
// 🔴 Redis Stream
// =============================================================================

// RedisStreamSink appends events to a Redis stream with XADD.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a stream sink. maxLen <= 0 leaves the stream untrimmed.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "agentmesh:events"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":        ev.ID,
			"type":      string(ev.Type),
			"actor":     ev.Actor,
			"task_code": ev.TaskCode,
			"payload":   string(payload),
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// =============================================================================
// 🍃 MongoDB
// =============================================================================

// DocumentWriter inserts one document.
type DocumentWriter interface {
	InsertOne(ctx context.Context, document any) error
}

type collectionWriter struct {
	coll *mongo.Collection
}

func (w collectionWriter) InsertOne(ctx context.Context, document any) error {
	_, err := w.coll.InsertOne(ctx, document)
	return err
}

// MongoSink stores each event as a document.
type MongoSink struct {
	writer DocumentWriter
}

// NewMongoSink creates a sink writing into coll.
func NewMongoSink(coll *mongo.Collection) *MongoSink {
	return &MongoSink{writer: collectionWriter{coll: coll}}
}

// NewMongoSinkWithWriter creates a sink over any DocumentWriter.
func NewMongoSinkWithWriter(w DocumentWriter) *MongoSink {
	return &MongoSink{writer: w}
}

func (s *MongoSink) Name() string { return "mongo" }

func (s *MongoSink) Write(ctx context.Context, ev Event) error {
	if err := s.writer.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// =============================================================================
// 🧪 Recorder
// =============================================================================

// Recorder keeps every event in memory. It is both a Sink and a Publisher,
// publishing synchronously.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Write(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Publish records events synchronously.
func (r *Recorder) Publish(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
