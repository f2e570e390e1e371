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

// Package thread holds the mutable conversation state owned by a single run.
package thread

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// TransportKind identifies how the thread reaches the engine.
type TransportKind string

// Transport kinds.
const (
	TransportExec      TransportKind = "exec"
	TransportAppServer TransportKind = "app_server"
)

// Well-known metadata keys.
const (
	MetaWorkflow         = "workflow"
	MetaGroup            = "group"
	MetaTraceID          = "trace_id"
	MetaTraceSensitive   = "trace_sensitive"
	MetaTracingDisabled  = "tracing_disabled"
	MetaConversationID   = "conversation_id"
	MetaPreviousResponse = "previous_response_id"
	MetaLabels           = "labels"
	MetaFileSearch       = "file_search"
	MetaToolContext      = "tool_context"
)

// ModelOptions carries the engine model selection for the thread.
type ModelOptions struct {
	Model           string
	ReasoningEffort string
}

// Thread is the conversation state for one run. It is created once (on the
// transport's thread-started event), mutated only by the active run, and must
// not be shared between concurrent runs.
type Thread struct {
	// ID is the opaque thread identifier assigned by the transport.
	ID string

	// Metadata is the thread metadata map (workflow, group, tracing keys,
	// conversation identifiers, labels, file_search).
	Metadata map[string]any

	// ContinuationToken is non-empty when the transport asked to resume the
	// current turn; empty means the last turn reached a final state.
	ContinuationToken string

	// Usage maps token-counter names to values.
	Usage map[string]any

	// RateLimits is the last rate-limit snapshot reported by the transport.
	RateLimits map[string]any

	// Labels mirrors Metadata["labels"] when the transport provides it.
	Labels any

	// Model holds the model options the transport reported or the run
	// overrode.
	Model ModelOptions

	// Transport records which transport kind owns this thread.
	Transport TransportKind

	// Opts carries thread-scoped option overrides, e.g. approval_timeout_ms.
	Opts map[string]any

	// PendingToolOutputs and PendingToolFailures are the tool payloads
	// recorded this run and carried into the next turn. Deduplicated by call
	// key; cleared on finalization.
	PendingToolOutputs  []PendingOutput
	PendingToolFailures []PendingFailure
}

// New creates an empty thread for the given transport kind.
func New(kind TransportKind) *Thread {
	return &Thread{Transport: kind}
}

// CallKey identifies a tool call for deduplication. Source is "call_id" when
// the transport supplied one, "fallback" when the key is derived from the
// tool name and arguments.
type CallKey struct {
	Source string
	Value  string
}

// KeyForCall computes the dedup key for a tool call. The fallback hash can
// collide for semantically distinct calls with identical name and arguments;
// transports that replay such calls must supply call IDs.
func KeyForCall(callID, toolName string, arguments []byte) CallKey {
	if callID != "" {
		return CallKey{Source: "call_id", Value: callID}
	}
	h := fnv.New64a()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(arguments)
	return CallKey{Source: "fallback", Value: fmt.Sprintf("%016x", h.Sum64())}
}

// PendingOutput records a successful tool invocation awaiting the next turn.
type PendingOutput struct {
	Key       CallKey
	CallID    string
	ToolName  string
	Arguments json.RawMessage
	Output    any
}

// PendingFailure records a failed tool invocation awaiting the next turn.
type PendingFailure struct {
	Key       CallKey
	CallID    string
	ToolName  string
	Arguments json.RawMessage
	Reason    FailureReason
}

// FailureReason is the normalized shape of a tool failure fed back to the
// model.
type FailureReason struct {
	Message string         `json:"message"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// HasPending reports whether any pending output or failure carries the key.
func (t *Thread) HasPending(key CallKey) bool {
	for _, o := range t.PendingToolOutputs {
		if o.Key == key {
			return true
		}
	}
	for _, f := range t.PendingToolFailures {
		if f.Key == key {
			return true
		}
	}
	return false
}

// UpsertPendingOutput appends the output, replacing any prior entry with the
// same key in either pending list.
func (t *Thread) UpsertPendingOutput(out PendingOutput) {
	t.removePending(out.Key)
	t.PendingToolOutputs = append(t.PendingToolOutputs, out)
}

// UpsertPendingFailure appends the failure, replacing any prior entry with
// the same key in either pending list.
func (t *Thread) UpsertPendingFailure(f PendingFailure) {
	t.removePending(f.Key)
	t.PendingToolFailures = append(t.PendingToolFailures, f)
}

func (t *Thread) removePending(key CallKey) {
	outputs := t.PendingToolOutputs[:0]
	for _, o := range t.PendingToolOutputs {
		if o.Key != key {
			outputs = append(outputs, o)
		}
	}
	t.PendingToolOutputs = outputs

	failures := t.PendingToolFailures[:0]
	for _, f := range t.PendingToolFailures {
		if f.Key != key {
			failures = append(failures, f)
		}
	}
	t.PendingToolFailures = failures
}

// ClearPending drops all pending tool payloads. Called on finalization so no
// payloads carry over between runs.
func (t *Thread) ClearPending() {
	t.PendingToolOutputs = nil
	t.PendingToolFailures = nil
}

// Reset clears the conversation identity. Used when the transport signals an
// early exit: thread ID, metadata, continuation token and usage are all
// dropped and the cleared thread is what the caller sees in the result.
func (t *Thread) Reset() {
	t.ID = ""
	t.Metadata = nil
	t.ContinuationToken = ""
	t.Usage = nil
	t.Labels = nil
}

// SetMeta writes a metadata key, allocating the map on first use.
func (t *Thread) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// Meta reads a metadata key.
func (t *Thread) Meta(key string) (any, bool) {
	if t.Metadata == nil {
		return nil, false
	}
	v, ok := t.Metadata[key]
	return v, ok
}

// MetaMap returns the metadata value at key as a map, or nil.
func (t *Thread) MetaMap(key string) map[string]any {
	if v, ok := t.Meta(key); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Clone returns a copy of the thread safe for independent mutation. Metadata
// and usage maps are copied one level deep; pending lists are copied.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = cloneMap(t.Metadata)
	c.Usage = cloneMap(t.Usage)
	c.RateLimits = cloneMap(t.RateLimits)
	c.Opts = cloneMap(t.Opts)
	c.PendingToolOutputs = append([]PendingOutput(nil), t.PendingToolOutputs...)
	c.PendingToolFailures = append([]PendingFailure(nil), t.PendingToolFailures...)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
