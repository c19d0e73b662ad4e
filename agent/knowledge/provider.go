// Package knowledge snapshots the working context of a task for a handoff and
// re-materializes it for the receiving agent.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider is the context/knowledge snapshot collaborator.
type Provider interface {
	// Snapshot returns an opaque bundle of the task's recent context.
	Snapshot(ctx context.Context, taskCode string) (json.RawMessage, error)

	// Import re-creates the bundle as context entries attributed to agent.
	Import(ctx context.Context, bundle json.RawMessage, taskCode, agent string) error
}

// Journal is implemented by providers that accept entries directly from agents.
type Journal interface {
	Record(ctx context.Context, taskCode, author, kind, content string) (Entry, error)
	Entries(taskCode string) []Entry
}

var _ Journal = (*MemoryProvider)(nil)

// ValidKind reports whether kind is one of the entry kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindMessage, KindDecision, KindRef:
		return true
	}
	return false
}

// Nop is a Provider without any context.
var Nop Provider = nopProvider{}

type nopProvider struct{}

func (nopProvider) Snapshot(context.Context, string) (json.RawMessage, error) { return nil, nil }

func (nopProvider) Import(context.Context, json.RawMessage, string, string) error { return nil }

// Entry is one piece of task context: a message, decision or reference.
type Entry struct {
	ID           string    `json:"id"`
	TaskCode     string    `json:"task_code"`
	Author       string    `json:"author"`
	Kind         string    `json:"kind"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	ImportedFrom string    `json:"imported_from,omitempty"`
}

// Entry kinds
const (
	KindMessage  = "message"
	KindDecision = "decision"
	KindRef      = "reference"
)

type bundle struct {
	TaskCode string  `json:"task_code"`
	Entries  []Entry `json:"entries"`
}

// MemoryProvider keeps context entries per task in memory.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	limit   int
	logger  *zap.Logger
}

// NewMemoryProvider creates a provider whose snapshots carry at most limit
// of the most recent entries (limit <= 0 means 50).
func NewMemoryProvider(limit int, logger *zap.Logger) *MemoryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 50
	}
	return &MemoryProvider{
		entries: make(map[string][]Entry),
		limit:   limit,
		logger:  logger.With(zap.String("component", "knowledge")),
	}
}

// Record adds a context entry to a task.
func (p *MemoryProvider) Record(ctx context.Context, taskCode, author, kind, content string) (Entry, error) {
	if taskCode == "" || author == "" {
		return Entry{}, fmt.Errorf("task code and author are required")
	}
	if kind == "" {
		kind = KindMessage
	}
	e := Entry{
		ID:        uuid.NewString(),
		TaskCode:  taskCode,
		Author:    author,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.entries[taskCode] = append(p.entries[taskCode], e)
	p.mu.Unlock()
	return e, nil
}

// Entries returns every entry of a task in insertion order.
func (p *MemoryProvider) Entries(taskCode string) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, len(p.entries[taskCode]))
	copy(out, p.entries[taskCode])
	return out
}

// Snapshot implements Provider.
func (p *MemoryProvider) Snapshot(ctx context.Context, taskCode string) (json.RawMessage, error) {
	entries := p.Entries(taskCode)
	if len(entries) > p.limit {
		entries = entries[len(entries)-p.limit:]
	}
	data, err := json.Marshal(bundle{TaskCode: taskCode, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("marshal knowledge snapshot: %w", err)
	}
	return data, nil
}

// Import implements Provider. Imported entries get fresh ids and keep a
// pointer to the entry they were copied from. An entry is skipped when agent
// already holds it in the journal of taskCode, as author or as an earlier copy.
func (p *MemoryProvider) Import(ctx context.Context, raw json.RawMessage, taskCode, agent string) error {
	if len(raw) == 0 {
		return nil
	}
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return fmt.Errorf("decode knowledge snapshot: %w", err)
	}

	now := time.Now().UTC()
	p.mu.Lock()
	known := make(map[string]bool)
	for _, e := range p.entries[taskCode] {
		if e.Author != agent {
			continue
		}
		known[e.ID] = true
		if e.ImportedFrom != "" {
			known[e.ImportedFrom] = true
		}
	}
	imported := make([]Entry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if known[e.ID] || (e.ImportedFrom != "" && known[e.ImportedFrom]) {
			continue
		}
		known[e.ID] = true
		imported = append(imported, Entry{
			ID:           uuid.NewString(),
			TaskCode:     taskCode,
			Author:       agent,
			Kind:         e.Kind,
			Content:      e.Content,
			CreatedAt:    now,
			ImportedFrom: e.ID,
		})
	}
	p.entries[taskCode] = append(p.entries[taskCode], imported...)
	p.mu.Unlock()

	p.logger.Debug("knowledge imported",
		zap.String("task_code", taskCode),
		zap.String("agent", agent),
		zap.Int("entries", len(imported)),
	)
	return nil
}
