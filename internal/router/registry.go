package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Registry maps tool names to executable tools. Registration order is kept
// so the model always sees tool specs in the same order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.InvokableTool
	infos []*schema.ToolInfo
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool.InvokableTool)}
}

// Register adds t under the name its ToolInfo declares.
func (r *Registry) Register(ctx context.Context, t tool.InvokableTool) error {
	if t == nil {
		return errors.New("nil tool")
	}
	info, err := t.Info(ctx)
	if err != nil {
		return fmt.Errorf("tool info: %w", err)
	}
	if info == nil || info.Name == "" {
		return errors.New("tool info must carry a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[info.Name]; dup {
		return fmt.Errorf("tool %q already registered", info.Name)
	}
	r.tools[info.Name] = t
	r.infos = append(r.infos, info)
	return nil
}

func (r *Registry) Lookup(name string) (tool.InvokableTool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Infos returns the specs bound to the model on every invocation.
func (r *Registry) Infos() []*schema.ToolInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*schema.ToolInfo(nil), r.infos...)
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.infos))
	for _, info := range r.infos {
		names = append(names, info.Name)
	}
	return names
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
