// Package toolbox holds named tools that expose host operations (for example
// the host store) to external callers such as MCP clients.
package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Result is the outcome of a tool call. IsError is set when the tool is
// unknown or its handler failed; Content then carries the error text.
type Result struct {
	Content string
	IsError bool
}

// ToolBox is a concurrency-safe registry of tools keyed by name.
type ToolBox struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty ToolBox.
func New() *ToolBox {
	return &ToolBox{
		tools: make(map[string]Tool),
	}
}

// Register adds tools, replacing any tool with the same name.
func (tb *ToolBox) Register(tools ...Tool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, t := range tools {
		tb.tools[t.Name] = t
	}
}

// Get returns the tool registered under name.
func (tb *ToolBox) Get(name string) (Tool, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	t, ok := tb.tools[name]
	return t, ok
}

// Merge registers every tool of other into tb.
func (tb *ToolBox) Merge(other *ToolBox) {
	tb.Register(other.Tools()...)
}

// Tools returns the registered tools sorted by name.
func (tb *ToolBox) Tools() []Tool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	result := make([]Tool, 0, len(tb.tools))
	for _, t := range tb.tools {
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	return result
}

// Call runs the named tool. Missing tools and handler errors are reported in
// the Result rather than returned.
func (tb *ToolBox) Call(ctx context.Context, name string, args json.RawMessage) Result {
	t, ok := tb.Get(name)
	if !ok {
		return Result{Content: fmt.Sprintf("tool not found: %s", name), IsError: true}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := t.Handler(ctx, args)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}

	return Result{Content: out}
}
