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

// Package approval gates tool execution behind policies and review hooks.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/telemetry"
	"trpc.group/trpc-go/trpc-codex-go/thread"
)

// DefaultTimeout bounds how long an asynchronous review may take.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned by Awaiter implementations when the decision did
// not arrive in time.
var ErrTimeout = errors.New("approval: await timed out")

// Decision is a resolved approval outcome.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow builds an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denying decision with the given reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Async is returned by hooks whose decision resolves out of band. Ref
// identifies the pending review for Await.
type Async struct {
	Ref      any
	Metadata map[string]any
}

// Context is the review context handed to policies and hooks.
type Context struct {
	Thread   *thread.Thread
	Metadata map[string]any
	Attempt  int
	Extra    map[string]any
}

// Policy decides synchronously.
type Policy interface {
	ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (Decision, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, ev *event.Event, actx *Context) (Decision, error)

// ReviewTool implements Policy.
func (f PolicyFunc) ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (Decision, error) {
	return f(ctx, ev, actx)
}

// Hook reviews tool calls and may resolve asynchronously. ReviewTool returns
// either a Decision or an Async.
type Hook interface {
	ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (any, error)
}

// Preparer is an optional Hook extension invoked before the review; a
// successful Prepare replaces the review context.
type Preparer interface {
	Prepare(ctx context.Context, ev *event.Event, actx *Context) (*Context, error)
}

// Awaiter is an optional Hook extension that blocks on an Async ref until
// the decision resolves or the timeout expires (ErrTimeout or a deadline
// error).
type Awaiter interface {
	Await(ctx context.Context, ref any, timeout time.Duration) (Decision, error)
}

// Options configures a review.
type Options struct {
	// Timeout bounds asynchronous decisions. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Error is the run-halting approval denial.
type Error struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("approval denied for tool %s: %s", e.ToolName, e.Reason)
}

// Review resolves the approval decision for a tool call event.
//
// A nil reviewer allows. An event that does not require approval, or that
// carries an explicit approval, short-circuits to Allow without telemetry.
// Policies decide synchronously; hooks may prepare context first and may
// return an Async ref resolved through Await. An Async result from a hook
// without Await support is denied rather than left to stall the run.
func Review(ctx context.Context, reviewer any, ev *event.Event, actx *Context, opts Options) (Decision, error) {
	if reviewer == nil {
		return Allow(), nil
	}
	if !ev.RequiresApproval || ev.IsApproved() {
		return Allow(), nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch r := reviewer.(type) {
	case Policy:
		return reviewPolicy(ctx, r, ev, actx)
	case Hook:
		return reviewHook(ctx, r, ev, actx, timeout)
	default:
		return Decision{}, runerr.Newf(runerr.KindApprovalHookFailed,
			"unsupported approval reviewer %T", reviewer)
	}
}

func reviewPolicy(ctx context.Context, p Policy, ev *event.Event, actx *Context) (Decision, error) {
	telemetry.RecordApprovalRequested(ctx, ev.ToolName)
	start := time.Now()
	decision, err := safeReviewPolicy(ctx, p, ev, actx)
	if err != nil {
		return Decision{}, err
	}
	recordDecision(ctx, ev.ToolName, decision, time.Since(start))
	return decision, nil
}

func reviewHook(ctx context.Context, h Hook, ev *event.Event, actx *Context, timeout time.Duration) (Decision, error) {
	if p, ok := h.(Preparer); ok {
		prepared, err := safePrepare(ctx, p, ev, actx)
		if err != nil {
			return Decision{}, err
		}
		if prepared != nil {
			actx = prepared
		}
	}

	telemetry.RecordApprovalRequested(ctx, ev.ToolName)
	start := time.Now()
	result, err := safeReviewHook(ctx, h, ev, actx)
	if err != nil {
		return Decision{}, err
	}

	switch v := result.(type) {
	case Decision:
		recordDecision(ctx, ev.ToolName, v, time.Since(start))
		return v, nil
	case *Async:
		if v == nil {
			return Decision{}, runerr.New(runerr.KindApprovalHookFailed, "approval hook returned nil async ref")
		}
		return awaitDecision(ctx, h, ev, v.Ref, timeout, start)
	case Async:
		return awaitDecision(ctx, h, ev, v.Ref, timeout, start)
	default:
		return Decision{}, runerr.Newf(runerr.KindApprovalHookFailed,
			"approval hook returned unsupported decision %T", result)
	}
}

func awaitDecision(ctx context.Context, h Hook, ev *event.Event, ref any, timeout time.Duration, start time.Time) (Decision, error) {
	awaiter, ok := h.(Awaiter)
	if !ok {
		// No way to resolve the ref; a stalled run is worse than a denial.
		decision := Deny("async approval unsupported")
		recordDecision(ctx, ev.ToolName, decision, time.Since(start))
		return decision, nil
	}

	decision, err := awaiter.Await(ctx, ref, timeout)
	switch {
	case err == nil:
		recordDecision(ctx, ev.ToolName, decision, time.Since(start))
		return decision, nil
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		telemetry.RecordApprovalDecision(ctx, ev.ToolName, telemetry.ApprovalOutcomeTimeout, time.Since(start))
		return Deny("approval timeout"), nil
	default:
		decision := Deny(fmt.Sprintf("approval error: %v", err))
		recordDecision(ctx, ev.ToolName, decision, time.Since(start))
		return decision, nil
	}
}

func recordDecision(ctx context.Context, toolName string, d Decision, elapsed time.Duration) {
	outcome := telemetry.ApprovalOutcomeDenied
	if d.Allowed {
		outcome = telemetry.ApprovalOutcomeApproved
	}
	telemetry.RecordApprovalDecision(ctx, toolName, outcome, elapsed)
}

func safeReviewPolicy(ctx context.Context, p Policy, ev *event.Event, actx *Context) (d Decision, err error) {
	defer recoverHookFailure(&err, "approval policy")
	d, err = p.ReviewTool(ctx, ev, actx)
	if err != nil {
		err = runerr.Wrap(runerr.KindApprovalHookFailed, err)
	}
	return d, err
}

func safeReviewHook(ctx context.Context, h Hook, ev *event.Event, actx *Context) (result any, err error) {
	defer recoverHookFailure(&err, "approval hook")
	result, err = h.ReviewTool(ctx, ev, actx)
	if err != nil {
		err = runerr.Wrap(runerr.KindApprovalHookFailed, err)
	}
	return result, err
}

func safePrepare(ctx context.Context, p Preparer, ev *event.Event, actx *Context) (prepared *Context, err error) {
	defer recoverHookFailure(&err, "approval prepare")
	prepared, err = p.Prepare(ctx, ev, actx)
	if err != nil {
		err = runerr.Wrap(runerr.KindApprovalHookFailed, err)
	}
	return prepared, err
}

func recoverHookFailure(err *error, what string) {
	if r := recover(); r != nil {
		log.Errorf("Recovered panic in %s: %v", what, r)
		*err = runerr.Newf(runerr.KindApprovalHookFailed, "%s panicked: %v", what, r)
	}
}
