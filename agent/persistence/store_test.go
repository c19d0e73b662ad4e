package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentmesh/internal/database"
	"github.com/BaSui01/agentmesh/types"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	store := NewGormStore(pool, zap.NewNop())
	require.NoError(t, store.AutoMigrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := newMiniredisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
		"sqlite": newSQLiteStore(t),
	}
}

func TestStore_Conformance(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			testTaskRoundTrip(t, store)
			testRollback(t, store)
			testAgentsOrdered(t, store)
			testHandoffFilters(t, store)
			testStepRecordsAndBlockers(t, store)
			testViewIsReadOnly(t, store)
		})
	}
}

func testTaskRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	wf := int64(7)
	cursor := 0

	var parentID int64
	err := store.Update(ctx, func(tx Tx) error {
		parent := &types.Task{
			Code: "FEAT-001", State: types.TaskInProgress, Owner: "agent-a",
			RequiredCapabilities: types.MustCapabilities("rust"), CreatedAt: now, UpdatedAt: now,
			WorkflowID: &wf, WorkflowCursor: &cursor,
		}
		if err := tx.InsertTask(parent); err != nil {
			return err
		}
		parentID = parent.ID
		child := &types.Task{Code: "FEAT-001-001", State: types.TaskCreated, ParentID: &parentID, CreatedAt: now, UpdatedAt: now}
		return tx.InsertTask(child)
	})
	require.NoError(t, err)
	assert.NotZero(t, parentID)

	err = store.Update(ctx, func(tx Tx) error {
		return tx.InsertTask(&types.Task{Code: "FEAT-001", State: types.TaskCreated})
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	err = store.Update(ctx, func(tx Tx) error {
		task, err := tx.GetTaskByID(parentID)
		if err != nil {
			return err
		}
		assert.Equal(t, "FEAT-001", task.Code)
		assert.Equal(t, types.CapabilitySet{"rust"}, task.RequiredCapabilities)
		c, ok := task.Cursor()
		assert.True(t, ok)
		assert.Equal(t, 0, c)

		task.Owner = "agent-b"
		return tx.UpdateTask(task)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx Tx) error {
		owned, err := tx.ListTasks(TaskFilter{Owner: "agent-b"})
		if err != nil {
			return err
		}
		require.Len(t, owned, 1)
		assert.Equal(t, "FEAT-001", owned[0].Code)

		stale, err := tx.ListTasks(TaskFilter{Owner: "agent-a"})
		if err != nil {
			return err
		}
		assert.Empty(t, stale)

		children, err := tx.ListTasks(TaskFilter{ParentID: &parentID})
		if err != nil {
			return err
		}
		require.Len(t, children, 1)
		assert.Equal(t, "FEAT-001-001", children[0].Code)

		created, err := tx.ListTasks(TaskFilter{States: []types.TaskState{types.TaskCreated}})
		if err != nil {
			return err
		}
		assert.Len(t, created, 1)

		_, err = tx.GetTask("missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, store Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.InsertTask(&types.Task{Code: "ROLLBACK", State: types.TaskCreated}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.View(ctx, func(tx Tx) error {
		_, err := tx.GetTask("ROLLBACK")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testAgentsOrdered(t *testing.T, store Store) {
	ctx := context.Background()
	err := store.Update(ctx, func(tx Tx) error {
		for _, name := range []string{"zeta", "alpha"} {
			a := &types.AgentProfile{
				Name: name, Capabilities: types.MustCapabilities("go"), Specializations: types.CapabilitySet{},
				MaxConcurrentTasks: 2, Status: types.AgentIdle, ReputationScore: 0.5,
			}
			if err := tx.InsertAgent(a); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx Tx) error {
		a, err := tx.GetAgent("alpha")
		if err != nil {
			return err
		}
		a.CurrentLoad = 1
		return tx.UpdateAgent(a)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx Tx) error {
		agents, err := tx.ListAgents()
		if err != nil {
			return err
		}
		require.Len(t, agents, 2)
		assert.Equal(t, "zeta", agents[0].Name, "registration order")
		assert.Equal(t, 1, agents[1].CurrentLoad)
		return nil
	})
	require.NoError(t, err)
}

func testHandoffFilters(t *testing.T, store Store) {
	ctx := context.Background()
	var first int64
	err := store.Update(ctx, func(tx Tx) error {
		a := &types.HandoffPackage{TaskCode: "FEAT-001", FromAgent: "agent-a", Target: types.AgentTarget("agent-b"), Addressed: true}
		if err := tx.InsertHandoff(a); err != nil {
			return err
		}
		first = a.ID
		b := &types.HandoffPackage{TaskCode: "FEAT-001", FromAgent: "agent-a", Target: types.CapabilityTarget("rust")}
		return tx.InsertHandoff(b)
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx Tx) error {
		h, err := tx.GetHandoff(first)
		if err != nil {
			return err
		}
		if err := h.MarkRejected("agent-b", "not my area", time.Now()); err != nil {
			return err
		}
		return tx.UpdateHandoff(h)
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx Tx) error {
		open, err := tx.ListHandoffs(HandoffFilter{TaskCode: "FEAT-001", UnresolvedOnly: true})
		if err != nil {
			return err
		}
		require.Len(t, open, 1)
		tag, ok := open[0].Target.Capability()
		assert.True(t, ok)
		assert.Equal(t, "rust", tag)

		unaddressed, err := tx.ListHandoffs(HandoffFilter{UnaddressedOnly: true})
		if err != nil {
			return err
		}
		assert.Len(t, unaddressed, 1)

		rejected, err := tx.GetHandoff(first)
		if err != nil {
			return err
		}
		assert.Equal(t, types.HandoffRejected, rejected.Resolution())
		assert.Equal(t, "not my area", rejected.RejectionReason)
		return nil
	})
	require.NoError(t, err)
}

func testStepRecordsAndBlockers(t *testing.T, store Store) {
	ctx := context.Background()
	err := store.Update(ctx, func(tx Tx) error {
		for i, d := range []time.Duration{time.Minute, 2 * time.Minute} {
			rec := &types.CompletedStepRecord{TaskID: 42, TaskCode: "T42", StepIndex: i, CompletedBy: "agent-a", Duration: d}
			if err := tx.AppendStepRecord(rec); err != nil {
				return err
			}
		}
		if err := tx.InsertBlocker(&types.Blocker{TaskID: 42, TaskCode: "T42", Description: "waiting on api"}); err != nil {
			return err
		}
		resolved := time.Now()
		return tx.InsertBlocker(&types.Blocker{TaskID: 42, TaskCode: "T42", Description: "done", ResolvedAt: &resolved})
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx Tx) error {
		recs, err := tx.ListStepRecords(42)
		if err != nil {
			return err
		}
		require.Len(t, recs, 2)
		assert.Equal(t, 0, recs[0].StepIndex)
		assert.Equal(t, 2*time.Minute, recs[1].Duration)

		open, err := tx.ListBlockers(42, true)
		if err != nil {
			return err
		}
		require.Len(t, open, 1)
		assert.Equal(t, "waiting on api", open[0].Description)

		all, err := tx.ListBlockers(42, false)
		if err != nil {
			return err
		}
		assert.Len(t, all, 2)
		return nil
	})
	require.NoError(t, err)
}

func testViewIsReadOnly(t *testing.T, store Store) {
	err := store.View(context.Background(), func(tx Tx) error {
		return tx.InsertTask(&types.Task{Code: "RO", State: types.TaskCreated})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	err := store.Update(context.Background(), func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)
}

func TestRedisStore_ConflictOnWatchedKey(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		return tx.InsertTask(&types.Task{Code: "T1", State: types.TaskCreated})
	}))

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	err := store.Update(ctx, func(tx Tx) error {
		task, err := tx.GetTask("T1")
		if err != nil {
			return err
		}
		// A writer outside the transaction touches the watched key.
		if err := other.Append(ctx, "test:task:T1", " ").Err(); err != nil {
			return err
		}
		task.State = types.TaskInProgress
		return tx.UpdateTask(task)
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGormStore_TransientBeginFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	store := NewGormStore(pool, zap.NewNop())

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp: connection refused"))

	called := false
	err = store.Update(context.Background(), func(Tx) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, database.IsRetryableError(err))
}

func TestNewStore_Factory(t *testing.T) {
	cfg := DefaultStoreConfig()
	store, err := NewStore(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	cfg.Type = StoreTypeDatabase
	_, err = NewStore(cfg, nil, zap.NewNop())
	assert.Error(t, err)

	cfg.Type = "etcd"
	_, err = NewStore(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}
