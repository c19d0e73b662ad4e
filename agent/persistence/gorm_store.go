package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentmesh/internal/database"
	"github.com/BaSui01/agentmesh/types"
)

// GormStore is a relational implementation of Store backed by gorm.
// Every View and Update runs inside one database transaction obtained from
// the pool manager.
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormStore creates a store over an initialized pool.
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "gorm_store")),
	}
}

// Models returns the gorm models owned by the store, in creation order.
func Models() []any {
	return []any{
		&agentModel{}, &workflowModel{}, &taskModel{}, &handoffModel{},
		&stepRecordModel{}, &blockerModel{},
	}
}

// AutoMigrate creates or updates the schema. Used for SQLite, where the
// versioned migrations are not shipped.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(Models()...)
}

// View runs fn inside a transaction that refuses writes.
func (s *GormStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.pool.WithTransaction(ctx, func(db *gorm.DB) error {
		return fn(&gormTx{db: db, readOnly: true})
	})
}

// Update runs fn inside a read-write transaction.
func (s *GormStore) Update(ctx context.Context, fn func(Tx) error) error {
	err := s.pool.WithTransaction(ctx, func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
	if err != nil && database.IsRetryableError(err) {
		s.logger.Warn("transaction aborted by transient database failure", zap.Error(err))
	}
	return err
}

// Ping checks if the store is healthy
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the store
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// =============================================================================
// Models
// =============================================================================

type taskModel struct {
	ID                   int64               `gorm:"primaryKey;autoIncrement"`
	Code                 string              `gorm:"size:128;uniqueIndex;not null"`
	Title                string              `gorm:"size:256"`
	Description          string              `gorm:"type:text"`
	State                string              `gorm:"size:32;index;not null"`
	Owner                string              `gorm:"size:128;index"`
	ParentID             *int64              `gorm:"index"`
	WorkflowID           *int64              `gorm:"index"`
	WorkflowCursor       *int
	RequiredCapabilities types.CapabilitySet `gorm:"serializer:json;type:text"`
	PriorityScore        int
	FailureCount         int
	CreatedAt            time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime:false"`
	StepStartedAt        *time.Time
	CompletedAt          *time.Time
}

func (taskModel) TableName() string { return "tasks" }

func newTaskModel(t *types.Task) *taskModel {
	return &taskModel{
		ID: t.ID, Code: t.Code, Title: t.Title, Description: t.Description,
		State: string(t.State), Owner: t.Owner, ParentID: t.ParentID,
		WorkflowID: t.WorkflowID, WorkflowCursor: t.WorkflowCursor,
		RequiredCapabilities: t.RequiredCapabilities, PriorityScore: t.PriorityScore,
		FailureCount: t.FailureCount, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
		StepStartedAt: t.StepStartedAt, CompletedAt: t.CompletedAt,
	}
}

func (m *taskModel) toTask() *types.Task {
	caps := m.RequiredCapabilities
	if caps == nil {
		caps = types.CapabilitySet{}
	}
	return &types.Task{
		ID: m.ID, Code: m.Code, Title: m.Title, Description: m.Description,
		State: types.TaskState(m.State), Owner: m.Owner, ParentID: m.ParentID,
		WorkflowID: m.WorkflowID, WorkflowCursor: m.WorkflowCursor,
		RequiredCapabilities: caps, PriorityScore: m.PriorityScore,
		FailureCount: m.FailureCount, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
		StepStartedAt: m.StepStartedAt, CompletedAt: m.CompletedAt,
	}
}

type agentModel struct {
	ID                 int64               `gorm:"primaryKey;autoIncrement"`
	Name               string              `gorm:"size:128;uniqueIndex;not null"`
	Capabilities       types.CapabilitySet `gorm:"serializer:json;type:text"`
	Specializations    types.CapabilitySet `gorm:"serializer:json;type:text"`
	MaxConcurrentTasks int
	CurrentLoad        int
	Status             string `gorm:"size:32;index"`
	ReputationScore    float64
	LastHeartbeat      time.Time
	RegisteredAt       time.Time
}

func (agentModel) TableName() string { return "agents" }

func newAgentModel(a *types.AgentProfile) *agentModel {
	return &agentModel{
		ID: a.ID, Name: a.Name, Capabilities: a.Capabilities, Specializations: a.Specializations,
		MaxConcurrentTasks: a.MaxConcurrentTasks, CurrentLoad: a.CurrentLoad,
		Status: string(a.Status), ReputationScore: a.ReputationScore,
		LastHeartbeat: a.LastHeartbeat, RegisteredAt: a.RegisteredAt,
	}
}

func (m *agentModel) toProfile() *types.AgentProfile {
	return &types.AgentProfile{
		ID: m.ID, Name: m.Name, Capabilities: nonNil(m.Capabilities), Specializations: nonNil(m.Specializations),
		MaxConcurrentTasks: m.MaxConcurrentTasks, CurrentLoad: m.CurrentLoad,
		Status: types.AgentStatus(m.Status), ReputationScore: m.ReputationScore,
		LastHeartbeat: m.LastHeartbeat, RegisteredAt: m.RegisteredAt,
	}
}

type workflowModel struct {
	ID                int64                `gorm:"primaryKey;autoIncrement"`
	Name              string               `gorm:"size:256;index"`
	Steps             []types.WorkflowStep `gorm:"serializer:json;type:text"`
	ParallelExecution bool
	MaxRetries        int
	InUse             bool
	ClonedFrom        *int64
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
}

func (workflowModel) TableName() string { return "workflow_definitions" }

func newWorkflowModel(w *types.WorkflowDefinition) *workflowModel {
	return &workflowModel{
		ID: w.ID, Name: w.Name, Steps: w.Steps, ParallelExecution: w.ParallelExecution,
		MaxRetries: w.RetryPolicy.MaxRetries, InUse: w.InUse, ClonedFrom: w.ClonedFrom,
		CreatedAt: w.CreatedAt,
	}
}

func (m *workflowModel) toDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: m.ID, Name: m.Name, Steps: m.Steps, ParallelExecution: m.ParallelExecution,
		RetryPolicy: types.RetryPolicy{MaxRetries: m.MaxRetries}, InUse: m.InUse,
		ClonedFrom: m.ClonedFrom, CreatedAt: m.CreatedAt,
	}
}

type handoffModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	TaskCode        string `gorm:"size:128;index;not null"`
	FromAgent       string `gorm:"size:128"`
	ToAgent         string `gorm:"size:128;index"`
	ToCapability    string `gorm:"size:64;index"`
	Summary         string `gorm:"type:text"`
	Knowledge       string `gorm:"type:text"`
	Addressed       bool
	ConfidenceScore float64
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	AcceptedAt      *time.Time
	AcceptedBy      string `gorm:"size:128"`
	RejectedAt      *time.Time
	RejectedBy      string `gorm:"size:128"`
	RejectionReason string `gorm:"type:text"`
}

func (handoffModel) TableName() string { return "handoff_packages" }

func newHandoffModel(h *types.HandoffPackage) *handoffModel {
	m := &handoffModel{
		ID: h.ID, TaskCode: h.TaskCode, FromAgent: h.FromAgent,
		Summary: h.Context.Summary, Knowledge: string(h.Context.Knowledge),
		Addressed: h.Addressed, ConfidenceScore: h.ConfidenceScore, CreatedAt: h.CreatedAt,
		AcceptedAt: h.AcceptedAt, AcceptedBy: h.AcceptedBy,
		RejectedAt: h.RejectedAt, RejectedBy: h.RejectedBy, RejectionReason: h.RejectionReason,
	}
	m.ToAgent, _ = h.Target.Agent()
	m.ToCapability, _ = h.Target.Capability()
	return m
}

func (m *handoffModel) toPackage() *types.HandoffPackage {
	target := types.CapabilityTarget(m.ToCapability)
	if m.ToAgent != "" {
		target = types.AgentTarget(m.ToAgent)
	}
	var knowledge json.RawMessage
	if m.Knowledge != "" {
		knowledge = json.RawMessage(m.Knowledge)
	}
	return &types.HandoffPackage{
		ID: m.ID, TaskCode: m.TaskCode, FromAgent: m.FromAgent, Target: target,
		Context:   types.HandoffContext{Summary: m.Summary, Knowledge: knowledge},
		Addressed: m.Addressed, ConfidenceScore: m.ConfidenceScore, CreatedAt: m.CreatedAt,
		AcceptedAt: m.AcceptedAt, AcceptedBy: m.AcceptedBy,
		RejectedAt: m.RejectedAt, RejectedBy: m.RejectedBy, RejectionReason: m.RejectionReason,
	}
}

type stepRecordModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TaskID      int64  `gorm:"index;not null"`
	TaskCode    string `gorm:"size:128"`
	WorkflowID  int64
	StepIndex   int
	StepName    string `gorm:"size:256"`
	CompletedBy string `gorm:"size:128"`
	Output      string `gorm:"type:text"`
	Confidence  float64
	DurationNS  int64
	CompletedAt time.Time
}

func (stepRecordModel) TableName() string { return "completed_step_records" }

type blockerModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TaskID      int64  `gorm:"index;not null"`
	TaskCode    string `gorm:"size:128"`
	RaisedBy    string `gorm:"size:128"`
	Description string `gorm:"type:text"`
	Automatic   bool
	RaisedAt    time.Time
	ResolvedAt  *time.Time
	ResolvedBy  string `gorm:"size:128"`
}

func (blockerModel) TableName() string { return "task_blockers" }

func (m *blockerModel) toBlocker() *types.Blocker {
	return &types.Blocker{
		ID: m.ID, TaskID: m.TaskID, TaskCode: m.TaskCode, RaisedBy: m.RaisedBy,
		Description: m.Description, Automatic: m.Automatic, RaisedAt: m.RaisedAt,
		ResolvedAt: m.ResolvedAt, ResolvedBy: m.ResolvedBy,
	}
}

func nonNil(s types.CapabilitySet) types.CapabilitySet {
	if s == nil {
		return types.CapabilitySet{}
	}
	return s
}

// =============================================================================
// Transaction
// =============================================================================

type gormTx struct {
	db       *gorm.DB
	readOnly bool
}

func (t *gormTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlreadyExists
	}
	return err
}

func (t *gormTx) count(model any, query string, args ...any) (int64, error) {
	var n int64
	err := t.db.Model(model).Where(query, args...).Count(&n).Error
	return n, err
}

func (t *gormTx) GetTask(code string) (*types.Task, error) {
	var m taskModel
	if err := t.db.Where("code = ?", code).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.toTask(), nil
}

func (t *gormTx) GetTaskByID(id int64) (*types.Task, error) {
	var m taskModel
	if err := t.db.First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toTask(), nil
}

func (t *gormTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	q := t.db.Model(&taskModel{})
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		q = q.Where("state IN ?", states)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.ParentID != nil {
		q = q.Where("parent_id = ?", *filter.ParentID)
	}
	if filter.WorkflowID != nil {
		q = q.Where("workflow_id = ?", *filter.WorkflowID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []taskModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Task, len(rows))
	for i := range rows {
		out[i] = rows[i].toTask()
	}
	return out, nil
}

func (t *gormTx) InsertTask(task *types.Task) error {
	if err := t.writable(); err != nil {
		return err
	}
	if task == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&taskModel{}, "code = ?", task.Code)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("task %s: %w", task.Code, ErrAlreadyExists)
	}
	m := newTaskModel(task)
	m.ID = 0
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	task.ID = m.ID
	return nil
}

func (t *gormTx) UpdateTask(task *types.Task) error {
	if err := t.writable(); err != nil {
		return err
	}
	if task == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&taskModel{}, "id = ? AND code = ?", task.ID, task.Code)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return translate(t.db.Save(newTaskModel(task)).Error)
}

func (t *gormTx) GetAgent(name string) (*types.AgentProfile, error) {
	var m agentModel
	if err := t.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.toProfile(), nil
}

func (t *gormTx) ListAgents() ([]*types.AgentProfile, error) {
	var rows []agentModel
	if err := t.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.AgentProfile, len(rows))
	for i := range rows {
		out[i] = rows[i].toProfile()
	}
	return out, nil
}

func (t *gormTx) InsertAgent(agent *types.AgentProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	if agent == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&agentModel{}, "name = ?", agent.Name)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("agent %s: %w", agent.Name, ErrAlreadyExists)
	}
	m := newAgentModel(agent)
	m.ID = 0
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	agent.ID = m.ID
	return nil
}

func (t *gormTx) UpdateAgent(agent *types.AgentProfile) error {
	if err := t.writable(); err != nil {
		return err
	}
	if agent == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&agentModel{}, "id = ? AND name = ?", agent.ID, agent.Name)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return translate(t.db.Save(newAgentModel(agent)).Error)
}

func (t *gormTx) GetWorkflow(id int64) (*types.WorkflowDefinition, error) {
	var m workflowModel
	if err := t.db.First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toDefinition(), nil
}

func (t *gormTx) ListWorkflows() ([]*types.WorkflowDefinition, error) {
	var rows []workflowModel
	if err := t.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.WorkflowDefinition, len(rows))
	for i := range rows {
		out[i] = rows[i].toDefinition()
	}
	return out, nil
}

func (t *gormTx) InsertWorkflow(def *types.WorkflowDefinition) error {
	if err := t.writable(); err != nil {
		return err
	}
	if def == nil {
		return ErrInvalidInput
	}
	m := newWorkflowModel(def)
	m.ID = 0
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	def.ID = m.ID
	return nil
}

func (t *gormTx) UpdateWorkflow(def *types.WorkflowDefinition) error {
	if err := t.writable(); err != nil {
		return err
	}
	if def == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&workflowModel{}, "id = ?", def.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return translate(t.db.Save(newWorkflowModel(def)).Error)
}

func (t *gormTx) GetHandoff(id int64) (*types.HandoffPackage, error) {
	var m handoffModel
	if err := t.db.First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toPackage(), nil
}

func (t *gormTx) ListHandoffs(filter HandoffFilter) ([]*types.HandoffPackage, error) {
	q := t.db.Model(&handoffModel{})
	if filter.TaskCode != "" {
		q = q.Where("task_code = ?", filter.TaskCode)
	}
	if filter.ToAgent != "" {
		q = q.Where("to_agent = ?", filter.ToAgent)
	}
	if filter.ToCapability != "" {
		q = q.Where("to_capability = ?", filter.ToCapability)
	}
	if filter.UnresolvedOnly {
		q = q.Where("accepted_at IS NULL AND rejected_at IS NULL")
	}
	if filter.UnaddressedOnly {
		q = q.Where("addressed = ?", false)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []handoffModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.HandoffPackage, len(rows))
	for i := range rows {
		out[i] = rows[i].toPackage()
	}
	return out, nil
}

func (t *gormTx) InsertHandoff(pkg *types.HandoffPackage) error {
	if err := t.writable(); err != nil {
		return err
	}
	if pkg == nil {
		return ErrInvalidInput
	}
	m := newHandoffModel(pkg)
	m.ID = 0
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	pkg.ID = m.ID
	return nil
}

func (t *gormTx) UpdateHandoff(pkg *types.HandoffPackage) error {
	if err := t.writable(); err != nil {
		return err
	}
	if pkg == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&handoffModel{}, "id = ?", pkg.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return translate(t.db.Save(newHandoffModel(pkg)).Error)
}

func (t *gormTx) AppendStepRecord(rec *types.CompletedStepRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	if rec == nil {
		return ErrInvalidInput
	}
	m := &stepRecordModel{
		TaskID: rec.TaskID, TaskCode: rec.TaskCode, WorkflowID: rec.WorkflowID,
		StepIndex: rec.StepIndex, StepName: rec.StepName, CompletedBy: rec.CompletedBy,
		Output: rec.Output, Confidence: rec.Confidence, DurationNS: int64(rec.Duration),
		CompletedAt: rec.CompletedAt,
	}
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	rec.ID = m.ID
	return nil
}

func (t *gormTx) ListStepRecords(taskID int64) ([]*types.CompletedStepRecord, error) {
	var rows []stepRecordModel
	if err := t.db.Where("task_id = ?", taskID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.CompletedStepRecord, len(rows))
	for i, m := range rows {
		out[i] = &types.CompletedStepRecord{
			ID: m.ID, TaskID: m.TaskID, TaskCode: m.TaskCode, WorkflowID: m.WorkflowID,
			StepIndex: m.StepIndex, StepName: m.StepName, CompletedBy: m.CompletedBy,
			Output: m.Output, Confidence: m.Confidence, Duration: time.Duration(m.DurationNS),
			CompletedAt: m.CompletedAt,
		}
	}
	return out, nil
}

func (t *gormTx) GetBlocker(id int64) (*types.Blocker, error) {
	var m blockerModel
	if err := t.db.First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toBlocker(), nil
}

func (t *gormTx) ListBlockers(taskID int64, openOnly bool) ([]*types.Blocker, error) {
	q := t.db.Where("task_id = ?", taskID)
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	var rows []blockerModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Blocker, len(rows))
	for i := range rows {
		out[i] = rows[i].toBlocker()
	}
	return out, nil
}

func (t *gormTx) InsertBlocker(b *types.Blocker) error {
	if err := t.writable(); err != nil {
		return err
	}
	if b == nil {
		return ErrInvalidInput
	}
	m := &blockerModel{
		TaskID: b.TaskID, TaskCode: b.TaskCode, RaisedBy: b.RaisedBy, Description: b.Description,
		Automatic: b.Automatic, RaisedAt: b.RaisedAt, ResolvedAt: b.ResolvedAt, ResolvedBy: b.ResolvedBy,
	}
	if err := t.db.Create(m).Error; err != nil {
		return translate(err)
	}
	b.ID = m.ID
	return nil
}

func (t *gormTx) UpdateBlocker(b *types.Blocker) error {
	if err := t.writable(); err != nil {
		return err
	}
	if b == nil {
		return ErrInvalidInput
	}
	n, err := t.count(&blockerModel{}, "id = ?", b.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	m := &blockerModel{
		ID: b.ID, TaskID: b.TaskID, TaskCode: b.TaskCode, RaisedBy: b.RaisedBy, Description: b.Description,
		Automatic: b.Automatic, RaisedAt: b.RaisedAt, ResolvedAt: b.ResolvedAt, ResolvedBy: b.ResolvedBy,
	}
	return translate(t.db.Save(m).Error)
}
