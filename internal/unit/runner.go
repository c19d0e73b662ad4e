// Package unit runs orchestrator operations as atomic units of work: keyed
// locks are taken, one store transaction executes, storage failures are mapped
// onto the error taxonomy, and events are published only after commit.
package unit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/internal/keylock"
	"github.com/BaSui01/agentmesh/types"
)

// TracerName is the instrumentation scope of every unit span.
const TracerName = "agentmesh"

// DefaultResolveAttempts bounds how often DoResolved re-reads its lock set.
const DefaultResolveAttempts = 3

var errKeysChanged = errors.New("lock set changed while waiting")

// Lock key helpers.
func TaskKey(code string) string { return "task:" + code }

func AgentKey(name string) string { return "agent:" + name }

func HandoffKey(id int64) string { return fmt.Sprintf("handoff:%d", id) }

func BlockerKey(id int64) string { return fmt.Sprintf("blocker:%d", id) }

func WorkflowKey(id int64) string { return fmt.Sprintf("workflow:%d", id) }

// Metrics is the subset of the collector used by the runner.
type Metrics interface {
	RecordOperation(operation, outcome string, duration time.Duration)
	RecordTaskTransition(fromState, toState string)
}

// Unit is the context handed to an operation body.
type Unit struct {
	Tx     persistence.Tx
	Events *events.Batch
	Now    time.Time

	ctx         context.Context
	afterCommit []func(context.Context)
	transitions [][2]types.TaskState
}

// Context returns the operation context.
func (u *Unit) Context() context.Context { return u.ctx }

// Emit adds an event to the unit's batch.
func (u *Unit) Emit(typ events.Type, actor, taskCode string, payload map[string]any) {
	u.Events.Add(typ, actor, taskCode, payload)
}

// AfterCommit registers fn to run once the transaction committed.
func (u *Unit) AfterCommit(fn func(ctx context.Context)) {
	u.afterCommit = append(u.afterCommit, fn)
}

// RecordTransition notes a task state change for metrics.
func (u *Unit) RecordTransition(from, to types.TaskState) {
	u.transitions = append(u.transitions, [2]types.TaskState{from, to})
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sets where committed events go (default: discarded).
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithLocks shares a lock set between runners.
func WithLocks(l *keylock.Set) Option {
	return func(r *Runner) {
		if l != nil {
			r.locks = l
		}
	}
}

// Runner executes units of work against one store.
type Runner struct {
	store           persistence.Store
	locks           *keylock.Set
	publisher       events.Publisher
	metrics         Metrics
	tracer          trace.Tracer
	now             func() time.Time
	resolveAttempts int
	logger          *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(store persistence.Store, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:           store,
		locks:           keylock.New(),
		publisher:       events.Discard,
		tracer:          otel.Tracer(TracerName),
		now:             func() time.Time { return time.Now().UTC() },
		resolveAttempts: DefaultResolveAttempts,
		logger:          logger.With(zap.String("component", "unit_runner")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Runner) Store() persistence.Store { return r.store }

// Now returns the runner clock.
func (r *Runner) Now() time.Time { return r.now() }

// Do locks keys and runs fn in one read-write transaction.
func (r *Runner) Do(ctx context.Context, op string, keys []string, fn func(*Unit) error) error {
	return r.observe(ctx, op, keys, func(ctx context.Context) error {
		return r.execute(ctx, keys, fn)
	})
}

// DoResolved is Do for operations whose lock set depends on stored state,
// such as the current owner of a task. The set is read, locked, then read
// again inside the transaction; if it moved in between the attempt restarts.
func (r *Runner) DoResolved(ctx context.Context, op string, resolve func(persistence.Tx) ([]string, error), fn func(*Unit) error) error {
	return r.observe(ctx, op, nil, func(ctx context.Context) error {
		for attempt := 0; attempt < r.resolveAttempts; attempt++ {
			var keys []string
			err := r.store.View(ctx, func(tx persistence.Tx) error {
				var err error
				keys, err = resolve(tx)
				return err
			})
			if err != nil {
				return err
			}

			err = r.execute(ctx, keys, func(u *Unit) error {
				current, err := resolve(u.Tx)
				if err != nil {
					return err
				}
				if !sameKeys(keys, current) {
					return errKeysChanged
				}
				return fn(u)
			})
			if errors.Is(err, errKeysChanged) {
				r.logger.Debug("lock set changed, retrying", zap.String("operation", op), zap.Int("attempt", attempt+1))
				continue
			}
			return err
		}
		return types.TransientStoreError(errKeysChanged)
	})
}

// Read runs fn against a read-only snapshot without taking locks.
func (r *Runner) Read(ctx context.Context, op string, fn func(persistence.Tx) error) error {
	return r.observe(ctx, op, nil, func(ctx context.Context) error {
		return r.store.View(ctx, fn)
	})
}

func (r *Runner) execute(ctx context.Context, keys []string, fn func(*Unit) error) error {
	unlock, err := r.locks.LockContext(ctx, keys...)
	if err != nil {
		return err
	}

	u := &Unit{Events: &events.Batch{}, ctx: ctx}
	err = r.store.Update(ctx, func(tx persistence.Tx) error {
		u.Tx = tx
		u.Events.Reset()
		u.afterCommit = u.afterCommit[:0]
		u.transitions = u.transitions[:0]
		u.Now = r.now()
		return fn(u)
	})
	unlock()
	if err != nil {
		return err
	}

	r.publisher.Publish(u.Events.Events()...)
	if r.metrics != nil {
		for _, t := range u.transitions {
			r.metrics.RecordTaskTransition(string(t[0]), string(t[1]))
		}
	}
	for _, hook := range u.afterCommit {
		hook(ctx)
	}
	return nil
}

func (r *Runner) observe(ctx context.Context, op string, keys []string, body func(context.Context) error) error {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("agentmesh.operation", op),
		attribute.StringSlice("agentmesh.lock_keys", keys),
	))
	defer span.End()

	err := MapError(body(ctx))

	outcome := "ok"
	if err != nil {
		outcome = string(types.GetErrorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if types.IsRetryable(err) {
			r.logger.Warn("operation failed on storage", zap.String("operation", op), zap.Error(err))
		} else {
			r.logger.Debug("operation rejected", zap.String("operation", op), zap.String("code", outcome))
		}
	}
	if r.metrics != nil {
		r.metrics.RecordOperation(op, outcome, time.Since(start))
	}
	return err
}

// MapError translates storage errors into the orchestrator taxonomy. Typed
// errors pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return types.NewError(types.ErrNotFound, "record not found").WithCause(err)
	case errors.Is(err, persistence.ErrAlreadyExists):
		return types.ValidationError("record already exists").WithCause(err)
	case errors.Is(err, persistence.ErrInvalidInput):
		return types.ValidationError("invalid input").WithCause(err)
	case errors.Is(err, persistence.ErrReadOnly):
		return types.NewError(types.ErrInternalError, "write attempted in read-only transaction").WithCause(err)
	}
	// ErrConflict, ErrStoreClosed, cancellation and driver failures
	return types.TransientStoreError(err)
}

func sameKeys(a, b []string) bool {
	a, b = sortedUnique(a), sortedUnique(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
