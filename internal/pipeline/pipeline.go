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

// Package pipeline resolves the tool calls requested during one turn:
// guardrails, approval, invocation, output guardrails, deduplication.
package pipeline

import (
	"context"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/approval"
	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/tool"
)

// Hooks observe pipeline progress; the streaming driver uses them to emit
// semantic events.
type Hooks struct {
	OnGuardrail guardrail.Hook
	OnApproval  func(toolName, callID string, decision approval.Decision)
}

// Params is one pipeline invocation over one turn's events.
type Params struct {
	Thread  *thread.Thread
	Events  []*event.Event
	Attempt int

	// Agent and RunConfig flow into guardrail contexts untyped.
	Agent     any
	RunConfig any

	ToolInput  []guardrail.ToolGuardrail
	ToolOutput []guardrail.ToolGuardrail

	Tools    *tool.Registry
	Approver any

	// ApprovalTimeout is the fallback when the thread carries no
	// approval_timeout_ms override.
	ApprovalTimeout time.Duration

	Hooks Hooks
}

// Outcome aggregates the turn's tool results and failures, deduplicated by
// call key with the newest entry winning.
type Outcome struct {
	Results  []tool.CallResult
	Failures []tool.CallFailure
}

// Run walks the turn's tool call requests in order. Guardrail tripwires and
// approval denials halt the run; tool failures and absorbed rejections are
// recorded and fed back to the engine on the next turn.
func Run(ctx context.Context, p *Params) (*Outcome, error) {
	outcome := &Outcome{}
	for _, ev := range p.Events {
		if ev.Kind != event.KindToolCallRequested {
			continue
		}
		if err := runOne(ctx, p, ev, outcome); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func runOne(ctx context.Context, p *Params, ev *event.Event, outcome *Outcome) error {
	key := thread.KeyForCall(ev.CallID, ev.ToolName, ev.Arguments)
	if p.Thread.HasPending(key) {
		log.Debugf("Skipping duplicate tool call %s (%s)", ev.ToolName, key.Value)
		return nil
	}

	meta := mergedMetadata(p.Thread)
	gctx := &guardrail.Context{
		Agent:     p.Agent,
		RunConfig: p.RunConfig,
		Thread:    p.Thread,
		Event:     ev,
		Metadata:  meta,
		Attempt:   p.Attempt,
	}

	args, err := tool.DecodeArguments(ev.Arguments)
	if err != nil {
		recordFailure(p, outcome, key, ev, runerr.Wrap(runerr.KindToolFailure, err))
		return nil
	}

	// Input guardrails.
	res, err := guardrail.RunTool(ctx, guardrail.StageToolInput, p.ToolInput, args, gctx, p.Hooks.OnGuardrail)
	if err != nil {
		return err
	}
	if res.Status == guardrail.StatusReject {
		// The engine sees the rejection text as the tool result.
		recordOutput(p, outcome, key, ev, tool.Text(res.Message))
		return nil
	}

	// Approval.
	if ev.RequiresApproval && !ev.IsApproved() {
		decision, err := approval.Review(ctx, p.Approver, ev, &approval.Context{
			Thread:   p.Thread,
			Metadata: meta,
			Attempt:  p.Attempt,
		}, approval.Options{Timeout: approvalTimeout(p)})
		if err != nil {
			return err
		}
		if p.Hooks.OnApproval != nil && p.Approver != nil {
			p.Hooks.OnApproval(ev.ToolName, ev.CallID, decision)
		}
		if !decision.Allowed {
			return &approval.Error{ToolName: ev.ToolName, Reason: decision.Reason}
		}
	}

	// Invoke.
	tctx := &tool.Context{
		Thread:          p.Thread,
		Metadata:        meta,
		Context:         toolContext(p.Thread),
		FileSearch:      p.Thread.MetaMap(thread.MetaFileSearch),
		Event:           ev,
		Attempt:         p.Attempt,
		Retry:           p.Attempt > 1,
		Capabilities:    ev.Capabilities,
		SandboxWarnings: ev.SandboxWarnings,
	}
	raw, invokeErr := p.Tools.Invoke(ctx, ev.ToolName, args, tctx)
	if invokeErr != nil {
		// Not a halt: the next turn carries the failure so the model can
		// adjust.
		recordFailure(p, outcome, key, ev, runerr.Normalize(invokeErr))
		return nil
	}
	output := tool.Normalize(raw)

	// Output guardrails.
	res, err = guardrail.RunTool(ctx, guardrail.StageToolOutput, p.ToolOutput, output, gctx, p.Hooks.OnGuardrail)
	if err != nil {
		return err
	}
	if res.Status == guardrail.StatusReject {
		output = tool.Text(res.Message)
	}

	recordOutput(p, outcome, key, ev, output)
	return nil
}

func recordOutput(p *Params, outcome *Outcome, key thread.CallKey, ev *event.Event, output *tool.Output) {
	result := tool.CallResult{
		CallID:    ev.CallID,
		ToolName:  ev.ToolName,
		Arguments: ev.Arguments,
		Output:    output,
	}
	kept := outcome.Results[:0]
	for _, r := range outcome.Results {
		if thread.KeyForCall(r.CallID, r.ToolName, r.Arguments) != key {
			kept = append(kept, r)
		}
	}
	outcome.Results = append(kept, result)

	p.Thread.UpsertPendingOutput(thread.PendingOutput{
		Key:       key,
		CallID:    ev.CallID,
		ToolName:  ev.ToolName,
		Arguments: ev.Arguments,
		Output:    output,
	})
}

func recordFailure(p *Params, outcome *Outcome, key thread.CallKey, ev *event.Event, reason *runerr.Error) {
	fr := thread.FailureReason{
		Message: reason.Message,
		Kind:    string(reason.Kind),
		Details: reason.Details,
	}
	failure := tool.CallFailure{
		CallID:    ev.CallID,
		ToolName:  ev.ToolName,
		Arguments: ev.Arguments,
		Reason:    fr,
	}
	kept := outcome.Failures[:0]
	for _, f := range outcome.Failures {
		if thread.KeyForCall(f.CallID, f.ToolName, f.Arguments) != key {
			kept = append(kept, f)
		}
	}
	outcome.Failures = append(kept, failure)

	p.Thread.UpsertPendingFailure(thread.PendingFailure{
		Key:       key,
		CallID:    ev.CallID,
		ToolName:  ev.ToolName,
		Arguments: ev.Arguments,
		Reason:    fr,
	})
}

// mergedMetadata merges the thread's file-search config into a copy of its
// metadata.
func mergedMetadata(t *thread.Thread) map[string]any {
	meta := make(map[string]any, len(t.Metadata)+1)
	for k, v := range t.Metadata {
		meta[k] = v
	}
	if fs := t.MetaMap(thread.MetaFileSearch); fs != nil {
		meta[thread.MetaFileSearch] = fs
	}
	return meta
}

func toolContext(t *thread.Thread) map[string]any {
	if tc := t.MetaMap(thread.MetaToolContext); tc != nil {
		return tc
	}
	return map[string]any{}
}

func approvalTimeout(p *Params) time.Duration {
	if t := p.Thread; t != nil && t.Opts != nil {
		switch v := t.Opts["approval_timeout_ms"].(type) {
		case int:
			return time.Duration(v) * time.Millisecond
		case int64:
			return time.Duration(v) * time.Millisecond
		case float64:
			return time.Duration(v) * time.Millisecond
		}
	}
	if p.ApprovalTimeout > 0 {
		return p.ApprovalTimeout
	}
	return approval.DefaultTimeout
}
