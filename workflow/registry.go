package workflow

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/agent/events"
	"github.com/BaSui01/agentmesh/agent/persistence"
	"github.com/BaSui01/agentmesh/internal/unit"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow/dsl"
)

// DefaultCacheSize is the number of in-use definitions kept in memory.
const DefaultCacheSize = 256

// Registry stores workflow definitions. Definitions in use are immutable and
// served from an LRU cache.
type Registry struct {
	runner *unit.Runner
	cache  *lru.Cache[int64, *types.WorkflowDefinition]
	parser *dsl.Parser
	logger *zap.Logger
}

// NewRegistry creates a definition registry.
func NewRegistry(runner *unit.Runner, cacheSize int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[int64, *types.WorkflowDefinition](cacheSize)
	return &Registry{
		runner: runner,
		cache:  cache,
		parser: dsl.NewParser(),
		logger: logger.With(zap.String("component", "workflow_registry")),
	}
}

// Register stores a new mutable definition.
func (r *Registry) Register(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def == nil {
		return nil, types.ValidationError("workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	stored := def.Clone()
	stored.ID = 0
	stored.InUse = false

	err := r.runner.Do(ctx, "workflow.register", nil, func(u *unit.Unit) error {
		stored.CreatedAt = u.Now
		if err := u.Tx.InsertWorkflow(stored); err != nil {
			return err
		}
		u.Emit(events.WorkflowRegistered, "", "", map[string]any{
			"workflow_id": stored.ID,
			"name":        stored.Name,
			"steps":       len(stored.Steps),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Get returns a copy of a definition.
func (r *Registry) Get(ctx context.Context, id int64) (*types.WorkflowDefinition, error) {
	if def, ok := r.cache.Get(id); ok {
		return def.Clone(), nil
	}
	var out *types.WorkflowDefinition
	err := r.runner.Read(ctx, "workflow.get", func(tx persistence.Tx) error {
		var err error
		out, err = Load(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.InUse {
		r.cache.Add(id, out.Clone())
	}
	return out, nil
}

// List returns every definition ordered by id.
func (r *Registry) List(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	var out []*types.WorkflowDefinition
	err := r.runner.Read(ctx, "workflow.list", func(tx persistence.Tx) error {
		var err error
		out, err = tx.ListWorkflows()
		return err
	})
	return out, err
}

// Clone stores a mutable copy of a definition under a new id. An empty name
// keeps the source name.
func (r *Registry) Clone(ctx context.Context, id int64, name string) (*types.WorkflowDefinition, error) {
	src, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		src.Name = name
	}
	src.ClonedFrom = &id
	copied := src.Clone()
	copied.ID = 0
	copied.InUse = false

	err = r.runner.Do(ctx, "workflow.clone", nil, func(u *unit.Unit) error {
		copied.CreatedAt = u.Now
		if err := u.Tx.InsertWorkflow(copied); err != nil {
			return err
		}
		u.Emit(events.WorkflowRegistered, "", "", map[string]any{
			"workflow_id": copied.ID,
			"name":        copied.Name,
			"cloned_from": id,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return copied.Clone(), nil
}

// Update replaces the steps and policies of a definition that no task uses yet.
func (r *Registry) Update(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def == nil {
		return nil, types.ValidationError("workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	var out *types.WorkflowDefinition
	err := r.runner.Do(ctx, "workflow.update", []string{unit.WorkflowKey(def.ID)}, func(u *unit.Unit) error {
		current, err := Load(u.Tx, def.ID)
		if err != nil {
			return err
		}
		if current.InUse {
			return types.ValidationError("workflow %d is in use and immutable; clone it instead", def.ID)
		}
		next := def.Clone()
		next.InUse = false
		next.CreatedAt = current.CreatedAt
		next.ClonedFrom = current.ClonedFrom
		if err := u.Tx.UpdateWorkflow(next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// LoadTemplates parses a YAML template file and registers every workflow
// in it.
func (r *Registry) LoadTemplates(ctx context.Context, path string) ([]*types.WorkflowDefinition, error) {
	defs, err := r.parser.ParseFile(path)
	if err != nil {
		return nil, types.ValidationError("load workflow templates: %v", err).WithCause(err)
	}
	out := make([]*types.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		stored, err := r.Register(ctx, def)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	r.logger.Info("workflow templates loaded",
		zap.String("path", path),
		zap.Int("workflows", len(out)),
	)
	return out, nil
}

// MarkInUse freezes a definition within the unit. The caller holds the
// workflow key.
func (r *Registry) MarkInUse(u *unit.Unit, def *types.WorkflowDefinition) error {
	if def.InUse {
		return nil
	}
	def.InUse = true
	if err := u.Tx.UpdateWorkflow(def); err != nil {
		return err
	}
	frozen := def.Clone()
	u.AfterCommit(func(context.Context) { r.cache.Add(frozen.ID, frozen) })
	return nil
}

// Load reads a definition inside a transaction.
func Load(tx persistence.Tx, id int64) (*types.WorkflowDefinition, error) {
	def, err := tx.GetWorkflow(id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "workflow #%d not found", id)
	}
	return def, err
}
