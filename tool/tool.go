//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package tool provides the tool registry and output normalization for the
// run loop.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
)

// Context carries the per-call state handed to tools.
type Context struct {
	Thread   *thread.Thread
	Metadata map[string]any
	// Context is the caller-supplied tool context from thread metadata.
	Context    map[string]any
	FileSearch map[string]any
	Event      *event.Event
	Attempt    int
	// Retry is set when the call happens on a second or later turn attempt.
	Retry           bool
	Capabilities    map[string]any
	SandboxWarnings []string
}

// Func executes a tool with decoded arguments.
type Func func(ctx context.Context, args map[string]any, tctx *Context) (any, error)

// Registry maps tool names to implementations. Tools must be safe for
// concurrent invocation across runs; the registry does not serialize them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register binds a tool name to its implementation, replacing any previous
// binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Lookup returns the tool bound to name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// Invoke runs the named tool. Unknown names and tool errors return a
// tool_failure; the run loop records these as pending failures rather than
// halting.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, tctx *Context) (any, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, runerr.Newf(runerr.KindToolFailure, "tool not found: %s", name)
	}
	out, err := fn(ctx, args, tctx)
	if err != nil {
		if runerr.IsKind(err, runerr.KindToolFailure) {
			return nil, err
		}
		return nil, runerr.Wrap(runerr.KindToolFailure, err)
	}
	return out, nil
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register binds a tool in the default registry.
func Register(name string, fn Func) { defaultRegistry.Register(name, fn) }

// Invoke runs a tool from the default registry.
func Invoke(ctx context.Context, name string, args map[string]any, tctx *Context) (any, error) {
	return defaultRegistry.Invoke(ctx, name, args, tctx)
}

// CallResult is a completed tool invocation surfaced on run results.
type CallResult struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    *Output         `json:"output"`
}

// CallFailure is a failed tool invocation surfaced on run results and fed
// back to the model on the next turn.
type CallFailure struct {
	CallID    string               `json:"call_id"`
	ToolName  string               `json:"tool_name"`
	Arguments json.RawMessage      `json:"arguments,omitempty"`
	Reason    thread.FailureReason `json:"reason"`
}

// DecodeArguments unmarshals raw tool arguments into a map. Empty input
// yields an empty map.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
