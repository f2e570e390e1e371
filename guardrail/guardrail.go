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

// Package guardrail evaluates user-supplied predicates over run payloads.
package guardrail

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/thread"
)

// Status is a guardrail evaluation outcome.
type Status string

// Guardrail statuses.
const (
	StatusOK       Status = "ok"
	StatusReject   Status = "reject"
	StatusTripwire Status = "tripwire"
)

// Behavior selects what a rejection does to the run.
type Behavior string

// Behaviors.
const (
	// BehaviorRejectContent replaces the guarded payload with the rejection
	// message. Only tool guardrails can absorb a rejection this way; plain
	// input/output guardrails still fail the run.
	BehaviorRejectContent Behavior = "reject_content"
	// BehaviorRaiseException halts the run on rejection.
	BehaviorRaiseException Behavior = "raise_exception"
)

// Stage names the pipeline position a guardrail list runs at.
type Stage string

// Stages.
const (
	StageInput      Stage = "input"
	StageOutput     Stage = "output"
	StageToolInput  Stage = "tool_input"
	StageToolOutput Stage = "tool_output"
)

// ParallelGuardrailName is the synthetic guardrail name reported when a
// parallel task crashes before producing an outcome.
const ParallelGuardrailName = "parallel_guardrail"

// Outcome is the result of one guardrail invocation.
type Outcome struct {
	Status  Status
	Message string
}

// OK builds a passing outcome.
func OK() Outcome { return Outcome{Status: StatusOK} }

// Reject builds a rejecting outcome carrying the rejection message.
func Reject(message string) Outcome { return Outcome{Status: StatusReject, Message: message} }

// Tripwire builds a halting outcome carrying the trip message.
func Tripwire(message string) Outcome { return Outcome{Status: StatusTripwire, Message: message} }

// Context is the evaluation context handed to guardrail functions.
type Context struct {
	// Agent and RunConfig are the run's *runner.Agent and *runner.RunConfig.
	// They are typed loosely so guardrails stay importable from the runner.
	Agent     any
	RunConfig any

	Thread   *thread.Thread
	Event    *event.Event
	Metadata map[string]any
	Attempt  int
}

// Func evaluates a plain guardrail over a text payload.
type Func func(ctx context.Context, payload any, gctx *Context) Outcome

// Guardrail guards run input or output.
type Guardrail struct {
	Name          string
	RunInParallel bool
	Behavior      Behavior
	Run           Func
}

// ToolFunc evaluates a tool guardrail over a tool call event and payload.
type ToolFunc func(ctx context.Context, ev *event.Event, payload any, gctx *Context) Outcome

// ToolGuardrail guards tool arguments or tool outputs.
type ToolGuardrail struct {
	Name          string
	RunInParallel bool
	Behavior      Behavior
	Run           ToolFunc
}

// Error is the run-halting guardrail failure.
type Error struct {
	Stage     Stage
	Guardrail string
	Message   string
	Type      Status
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("guardrail %s failed at stage %s (%s): %s", e.Guardrail, e.Stage, e.Type, e.Message)
}

// Hook observes guardrail results. Hooks run for every evaluation, in
// evaluation order: sequential guardrails as they finish, then parallel
// guardrails in input order.
type Hook func(stage Stage, guardrail string, status Status, message string)
