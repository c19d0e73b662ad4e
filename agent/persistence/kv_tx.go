package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/BaSui01/agentmesh/types"
)

// kvSource is the read side of a key-value backend.
type kvSource interface {
	// load returns ErrNotFound for missing keys.
	load(key string) ([]byte, error)
	members(key string) ([]string, error)
	nextSeq(name string) (int64, error)
}

// kvWriter applies the buffered writes of a committed transaction.
type kvWriter interface {
	put(key string, data []byte)
	sadd(key string, members ...string)
	srem(key string, members ...string)
}

// Key layout shared by the memory and redis backends.
const (
	keyTasks      = "tasks"
	keyAgents     = "agents"
	keyWorkflows  = "workflows"
	keyHandoffs   = "handoffs"
	seqTask       = "task"
	seqAgent      = "agent"
	seqWorkflow   = "workflow"
	seqHandoff    = "handoff"
	seqStepRecord = "step"
	seqBlocker    = "blocker"
)

func taskKey(code string) string          { return "task:" + code }
func taskIDKey(id int64) string           { return "task-id:" + itoa(id) }
func tasksByParentKey(id int64) string    { return "tasks:parent:" + itoa(id) }
func tasksByOwnerKey(owner string) string { return "tasks:owner:" + owner }
func agentKey(name string) string         { return "agent:" + name }
func workflowKey(id int64) string         { return "workflow:" + itoa(id) }
func handoffKey(id int64) string          { return "handoff:" + itoa(id) }
func handoffsByTaskKey(code string) string {
	return "handoffs:task:" + code
}
func stepKey(id int64) string           { return "step:" + itoa(id) }
func stepsByTaskKey(id int64) string    { return "steps:task:" + itoa(id) }
func blockerKey(id int64) string        { return "blocker:" + itoa(id) }
func blockersByTaskKey(id int64) string { return "blockers:task:" + itoa(id) }

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

// kvTx implements Tx over a kvSource. Writes are buffered and read back
// through an overlay until the backend commits them.
type kvTx struct {
	src      kvSource
	readOnly bool
	writes   map[string][]byte
	keys     []string
	adds     map[string]map[string]struct{}
	removes  map[string]map[string]struct{}
}

func newKVTx(src kvSource, readOnly bool) *kvTx {
	return &kvTx{
		src:      src,
		readOnly: readOnly,
		writes:   make(map[string][]byte),
		adds:     make(map[string]map[string]struct{}),
		removes:  make(map[string]map[string]struct{}),
	}
}

func (t *kvTx) empty() bool {
	return len(t.writes) == 0 && len(t.adds) == 0 && len(t.removes) == 0
}

// flush hands every buffered write to w in a deterministic order.
func (t *kvTx) flush(w kvWriter) {
	for _, k := range t.keys {
		w.put(k, t.writes[k])
	}
	for _, k := range sortedKeys(t.removes) {
		w.srem(k, sortedKeys(t.removes[k])...)
	}
	for _, k := range sortedKeys(t.adds) {
		w.sadd(k, sortedKeys(t.adds[k])...)
	}
}

func (t *kvTx) get(key string, v any) error {
	data, ok := t.writes[key]
	if !ok {
		var err error
		if data, err = t.src.load(key); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (t *kvTx) exists(key string) (bool, error) {
	if _, ok := t.writes[key]; ok {
		return true, nil
	}
	_, err := t.src.load(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

func (t *kvTx) put(key string, v any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, ok := t.writes[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.writes[key] = data
	return nil
}

func (t *kvTx) seq(name string) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	return t.src.nextSeq(name)
}

func (t *kvTx) sadd(key, member string) {
	if r := t.removes[key]; r != nil {
		delete(r, member)
	}
	if t.adds[key] == nil {
		t.adds[key] = make(map[string]struct{})
	}
	t.adds[key][member] = struct{}{}
}

func (t *kvTx) srem(key, member string) {
	if a := t.adds[key]; a != nil {
		delete(a, member)
	}
	if t.removes[key] == nil {
		t.removes[key] = make(map[string]struct{})
	}
	t.removes[key][member] = struct{}{}
}

func (t *kvTx) setMembers(key string) ([]string, error) {
	base, err := t.src.members(key)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(base))
	for _, m := range base {
		set[m] = struct{}{}
	}
	for m := range t.removes[key] {
		delete(set, m)
	}
	for m := range t.adds[key] {
		set[m] = struct{}{}
	}
	return sortedKeys(set), nil
}

// =============================================================================
// Tasks
// =============================================================================

func (t *kvTx) GetTask(code string) (*types.Task, error) {
	var task types.Task
	if err := t.get(taskKey(code), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *kvTx) GetTaskByID(id int64) (*types.Task, error) {
	var code string
	if err := t.get(taskIDKey(id), &code); err != nil {
		return nil, err
	}
	return t.GetTask(code)
}

func (t *kvTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	index := keyTasks
	switch {
	case filter.ParentID != nil:
		index = tasksByParentKey(*filter.ParentID)
	case filter.Owner != "":
		index = tasksByOwnerKey(filter.Owner)
	}
	codes, err := t.setMembers(index)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(codes))
	for _, code := range codes {
		task, err := t.GetTask(code)
		if err != nil {
			return nil, err
		}
		if filter.Match(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, filter.Limit), nil
}

func (t *kvTx) InsertTask(task *types.Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	found, err := t.exists(taskKey(task.Code))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("task %s: %w", task.Code, ErrAlreadyExists)
	}
	id, err := t.seq(seqTask)
	if err != nil {
		return err
	}
	task.ID = id
	if err := t.put(taskKey(task.Code), task); err != nil {
		return err
	}
	if err := t.put(taskIDKey(id), task.Code); err != nil {
		return err
	}
	t.sadd(keyTasks, task.Code)
	if task.ParentID != nil {
		t.sadd(tasksByParentKey(*task.ParentID), task.Code)
	}
	if task.Owner != "" {
		t.sadd(tasksByOwnerKey(task.Owner), task.Code)
	}
	return nil
}

func (t *kvTx) UpdateTask(task *types.Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	prev, err := t.GetTask(task.Code)
	if err != nil {
		return err
	}
	if prev.ID != task.ID {
		return fmt.Errorf("task %s id mismatch: %w", task.Code, ErrInvalidInput)
	}
	if prev.Owner != task.Owner {
		if prev.Owner != "" {
			t.srem(tasksByOwnerKey(prev.Owner), task.Code)
		}
		if task.Owner != "" {
			t.sadd(tasksByOwnerKey(task.Owner), task.Code)
		}
	}
	return t.put(taskKey(task.Code), task)
}

// =============================================================================
// Agents
// =============================================================================

func (t *kvTx) GetAgent(name string) (*types.AgentProfile, error) {
	var agent types.AgentProfile
	if err := t.get(agentKey(name), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (t *kvTx) ListAgents() ([]*types.AgentProfile, error) {
	names, err := t.setMembers(keyAgents)
	if err != nil {
		return nil, err
	}
	out := make([]*types.AgentProfile, 0, len(names))
	for _, name := range names {
		agent, err := t.GetAgent(name)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *kvTx) InsertAgent(agent *types.AgentProfile) error {
	if agent == nil {
		return ErrInvalidInput
	}
	found, err := t.exists(agentKey(agent.Name))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("agent %s: %w", agent.Name, ErrAlreadyExists)
	}
	id, err := t.seq(seqAgent)
	if err != nil {
		return err
	}
	agent.ID = id
	if err := t.put(agentKey(agent.Name), agent); err != nil {
		return err
	}
	t.sadd(keyAgents, agent.Name)
	return nil
}

func (t *kvTx) UpdateAgent(agent *types.AgentProfile) error {
	if agent == nil {
		return ErrInvalidInput
	}
	if _, err := t.GetAgent(agent.Name); err != nil {
		return err
	}
	return t.put(agentKey(agent.Name), agent)
}

// =============================================================================
// Workflows
// =============================================================================

func (t *kvTx) GetWorkflow(id int64) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if err := t.get(workflowKey(id), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (t *kvTx) ListWorkflows() ([]*types.WorkflowDefinition, error) {
	ids, err := t.setMembers(keyWorkflows)
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkflowDefinition, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("workflow index entry %q: %w", raw, err)
		}
		def, err := t.GetWorkflow(id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *kvTx) InsertWorkflow(def *types.WorkflowDefinition) error {
	if def == nil {
		return ErrInvalidInput
	}
	id, err := t.seq(seqWorkflow)
	if err != nil {
		return err
	}
	def.ID = id
	if err := t.put(workflowKey(id), def); err != nil {
		return err
	}
	t.sadd(keyWorkflows, itoa(id))
	return nil
}

func (t *kvTx) UpdateWorkflow(def *types.WorkflowDefinition) error {
	if def == nil {
		return ErrInvalidInput
	}
	if _, err := t.GetWorkflow(def.ID); err != nil {
		return err
	}
	return t.put(workflowKey(def.ID), def)
}

// =============================================================================
// Handoffs
// =============================================================================

func (t *kvTx) GetHandoff(id int64) (*types.HandoffPackage, error) {
	var pkg types.HandoffPackage
	if err := t.get(handoffKey(id), &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (t *kvTx) ListHandoffs(filter HandoffFilter) ([]*types.HandoffPackage, error) {
	index := keyHandoffs
	if filter.TaskCode != "" {
		index = handoffsByTaskKey(filter.TaskCode)
	}
	ids, err := t.setMembers(index)
	if err != nil {
		return nil, err
	}
	out := make([]*types.HandoffPackage, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("handoff index entry %q: %w", raw, err)
		}
		pkg, err := t.GetHandoff(id)
		if err != nil {
			return nil, err
		}
		if filter.Match(pkg) {
			out = append(out, pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, filter.Limit), nil
}

func (t *kvTx) InsertHandoff(pkg *types.HandoffPackage) error {
	if pkg == nil {
		return ErrInvalidInput
	}
	id, err := t.seq(seqHandoff)
	if err != nil {
		return err
	}
	pkg.ID = id
	if err := t.put(handoffKey(id), pkg); err != nil {
		return err
	}
	t.sadd(keyHandoffs, itoa(id))
	t.sadd(handoffsByTaskKey(pkg.TaskCode), itoa(id))
	return nil
}

func (t *kvTx) UpdateHandoff(pkg *types.HandoffPackage) error {
	if pkg == nil {
		return ErrInvalidInput
	}
	if _, err := t.GetHandoff(pkg.ID); err != nil {
		return err
	}
	return t.put(handoffKey(pkg.ID), pkg)
}

// =============================================================================
// Step records
// =============================================================================

func (t *kvTx) AppendStepRecord(rec *types.CompletedStepRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}
	id, err := t.seq(seqStepRecord)
	if err != nil {
		return err
	}
	rec.ID = id
	if err := t.put(stepKey(id), rec); err != nil {
		return err
	}
	t.sadd(stepsByTaskKey(rec.TaskID), itoa(id))
	return nil
}

func (t *kvTx) ListStepRecords(taskID int64) ([]*types.CompletedStepRecord, error) {
	ids, err := t.setMembers(stepsByTaskKey(taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*types.CompletedStepRecord, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("step index entry %q: %w", raw, err)
		}
		var rec types.CompletedStepRecord
		if err := t.get(stepKey(id), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// Blockers
// =============================================================================

func (t *kvTx) GetBlocker(id int64) (*types.Blocker, error) {
	var b types.Blocker
	if err := t.get(blockerKey(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *kvTx) ListBlockers(taskID int64, openOnly bool) ([]*types.Blocker, error) {
	ids, err := t.setMembers(blockersByTaskKey(taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*types.Blocker, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("blocker index entry %q: %w", raw, err)
		}
		b, err := t.GetBlocker(id)
		if err != nil {
			return nil, err
		}
		if openOnly && !b.Open() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *kvTx) InsertBlocker(b *types.Blocker) error {
	if b == nil {
		return ErrInvalidInput
	}
	id, err := t.seq(seqBlocker)
	if err != nil {
		return err
	}
	b.ID = id
	if err := t.put(blockerKey(id), b); err != nil {
		return err
	}
	t.sadd(blockersByTaskKey(b.TaskID), itoa(id))
	return nil
}

func (t *kvTx) UpdateBlocker(b *types.Blocker) error {
	if b == nil {
		return ErrInvalidInput
	}
	if _, err := t.GetBlocker(b.ID); err != nil {
		return err
	}
	return t.put(blockerKey(b.ID), b)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
