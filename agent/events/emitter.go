package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Observer receives delivery statistics. *metrics.Collector satisfies it.
type Observer interface {
	RecordEventPublished(sink string)
	RecordEventSinkFailure(sink string)
	RecordEventDropped()
}

// EmitterConfig configures the asynchronous emitter.
type EmitterConfig struct {
	// BufferSize is the capacity of the pending event queue (default: 1024)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// SinkTimeout bounds a single sink write (default: 5s)
	SinkTimeout time.Duration `json:"sink_timeout" yaml:"sink_timeout"`
}

// DefaultEmitterConfig returns the default emitter configuration
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		BufferSize:  1024,
		SinkTimeout: 5 * time.Second,
	}
}

// Emitter delivers events to every sink from a background worker. Publish
// never blocks: when the queue is full the event is dropped and counted.
type Emitter struct {
	sinks    []Sink
	config   EmitterConfig
	observer Observer
	logger   *zap.Logger

	queue  chan Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewEmitter creates and starts an emitter. observer may be nil.
func NewEmitter(config EmitterConfig, observer Observer, logger *zap.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultEmitterConfig().BufferSize
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = DefaultEmitterConfig().SinkTimeout
	}
	e := &Emitter{
		sinks:    sinks,
		config:   config,
		observer: observer,
		logger:   logger.With(zap.String("component", "event_emitter")),
		queue:    make(chan Event, config.BufferSize),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Publish 发布事件（非阻塞）
func (e *Emitter) Publish(events ...Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	for _, ev := range events {
		select {
		case e.queue <- ev:
		default:
			// 通道已满，丢弃事件
			e.logger.Warn("event queue full, dropping event",
				zap.String("type", string(ev.Type)),
				zap.String("task_code", ev.TaskCode),
			)
			if e.observer != nil {
				e.observer.RecordEventDropped()
			}
		}
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.dispatch(ev)
	}
}

// dispatch writes one event to every sink concurrently. Sink failures are
// logged and counted only.
func (e *Emitter) dispatch(ev Event) {
	var g errgroup.Group
	for _, sink := range e.sinks {
		sink := sink
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sink panicked: %v", r)
				}
				e.record(sink.Name(), ev, err)
			}()
			ctx, cancel := context.WithTimeout(context.Background(), e.config.SinkTimeout)
			defer cancel()
			return sink.Write(ctx, ev)
		})
	}
	_ = g.Wait()
}

func (e *Emitter) record(sink string, ev Event, err error) {
	if err != nil {
		e.logger.Warn("event sink write failed",
			zap.String("sink", sink),
			zap.String("type", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		if e.observer != nil {
			e.observer.RecordEventSinkFailure(sink)
		}
		return
	}
	if e.observer != nil {
		e.observer.RecordEventPublished(sink)
	}
}

// Backlog reports the queued events and the queue capacity.
func (e *Emitter) Backlog() (pending, capacity int) {
	return len(e.queue), cap(e.queue)
}

// Close stops accepting events and waits until the queue drains or ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event emitter drain: %w", ctx.Err())
	}
}
