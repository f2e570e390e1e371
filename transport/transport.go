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

// Package transport defines the contract between the run loop and the
// engine that executes turns.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/thread"
)

// CancellationTokenPrefix prefixes autogenerated cancellation tokens.
const CancellationTokenPrefix = "codex_sdk_"

// NewCancellationToken generates a fresh cancellation token.
func NewCancellationToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for token generation.
		panic(err)
	}
	return CancellationTokenPrefix + hex.EncodeToString(buf[:])
}

// TurnOptions are the per-turn options forwarded to the transport.
type TurnOptions struct {
	// OutputSchema requests structured final output from the engine.
	OutputSchema map[string]any

	// CancellationToken identifies the turn for out-of-band cancellation.
	// Autogenerated by the runner when empty.
	CancellationToken string

	// TimeoutMS bounds the whole turn; zero means no bound.
	TimeoutMS int

	// StreamIdleTimeoutMS bounds the gap between consecutive events.
	StreamIdleTimeoutMS int

	// Env is merged over the engine process environment; ClearEnv drops the
	// inherited environment first.
	Env      map[string]string
	ClearEnv bool

	// ToolChoice is forwarded verbatim when present.
	ToolChoice any

	// ApprovalTimeoutMS overrides the default approval review timeout; a
	// thread's approval_timeout_ms option takes precedence over it.
	ApprovalTimeoutMS int

	// Extra keys are forwarded to the engine untouched.
	Extra map[string]any
}

// Clone returns a shallow copy safe for per-turn mutation.
func (o *TurnOptions) Clone() *TurnOptions {
	if o == nil {
		return &TurnOptions{}
	}
	c := *o
	return &c
}

// TurnResult is the outcome of one blocking turn.
type TurnResult struct {
	Events []*event.Event
	Usage  map[string]any
}

// Transport executes turns against the engine.
type Transport interface {
	// RunTurn executes one turn and returns its full event sequence.
	RunTurn(ctx context.Context, t *thread.Thread, input any, opts *TurnOptions) (*TurnResult, error)

	// RunTurnStreamed executes one turn and returns its events lazily. The
	// channel closes when the turn reaches a terminal event or the engine
	// goes away.
	RunTurnStreamed(ctx context.Context, t *thread.Thread, input any, opts *TurnOptions) (<-chan *event.Event, error)
}

// Canceler is implemented by transports that support out-of-band turn
// cancellation by token.
type Canceler interface {
	CancelTurn(token string) error
}

// Request builds the wire request for one turn. Pending tool payloads ride
// along so the engine can resume with the results of the previous turn's
// tool calls.
func Request(t *thread.Thread, input any, opts *TurnOptions) map[string]any {
	req := map[string]any{
		"type":  "turn.run",
		"input": input,
	}
	if t.ID != "" {
		req["thread_id"] = t.ID
	}
	if t.ContinuationToken != "" {
		req["continuation_token"] = t.ContinuationToken
	}
	if t.Metadata != nil {
		req["metadata"] = t.Metadata
	}
	if t.Model.Model != "" {
		req["model"] = t.Model.Model
	}
	if t.Model.ReasoningEffort != "" {
		req["reasoning_effort"] = t.Model.ReasoningEffort
	}
	if len(t.PendingToolOutputs) > 0 {
		outputs := make([]map[string]any, 0, len(t.PendingToolOutputs))
		for _, o := range t.PendingToolOutputs {
			outputs = append(outputs, map[string]any{
				"call_id":   o.CallID,
				"tool_name": o.ToolName,
				"arguments": o.Arguments,
				"output":    o.Output,
			})
		}
		req["tool_outputs"] = outputs
	}
	if len(t.PendingToolFailures) > 0 {
		failures := make([]map[string]any, 0, len(t.PendingToolFailures))
		for _, f := range t.PendingToolFailures {
			failures = append(failures, map[string]any{
				"call_id":   f.CallID,
				"tool_name": f.ToolName,
				"arguments": f.Arguments,
				"reason":    f.Reason,
			})
		}
		req["tool_failures"] = failures
	}

	options := map[string]any{}
	if opts != nil {
		if opts.OutputSchema != nil {
			options["output_schema"] = opts.OutputSchema
		}
		if opts.CancellationToken != "" {
			options["cancellation_token"] = opts.CancellationToken
		}
		if opts.TimeoutMS > 0 {
			options["timeout_ms"] = opts.TimeoutMS
		}
		if opts.StreamIdleTimeoutMS > 0 {
			options["stream_idle_timeout_ms"] = opts.StreamIdleTimeoutMS
		}
		if opts.ToolChoice != nil {
			options["tool_choice"] = opts.ToolChoice
		}
		for k, v := range opts.Extra {
			options[k] = v
		}
	}
	if len(options) > 0 {
		req["options"] = options
	}
	return req
}
