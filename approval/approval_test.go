//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
)

func approvalEvent() *event.Event {
	return &event.Event{
		Kind:             event.KindToolCallRequested,
		ToolName:         "deploy",
		CallID:           "c1",
		RequiresApproval: true,
	}
}

func TestReviewNilReviewerAllows(t *testing.T) {
	d, err := Review(context.Background(), nil, approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReviewShortCircuits(t *testing.T) {
	deny := PolicyFunc(func(ctx context.Context, ev *event.Event, actx *Context) (Decision, error) {
		return Deny("never"), nil
	})

	ev := approvalEvent()
	ev.RequiresApproval = false
	d, err := Review(context.Background(), deny, ev, &Context{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	ev = approvalEvent()
	approved := true
	ev.Approved = &approved
	d, err = Review(context.Background(), deny, ev, &Context{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReviewStaticPolicy(t *testing.T) {
	allow := PolicyFunc(func(ctx context.Context, ev *event.Event, actx *Context) (Decision, error) {
		return Allow(), nil
	})
	d, err := Review(context.Background(), allow, approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	deny := PolicyFunc(func(ctx context.Context, ev *event.Event, actx *Context) (Decision, error) {
		return Deny("blocked"), nil
	})
	d, err = Review(context.Background(), deny, approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "blocked", d.Reason)
}

type asyncHook struct {
	decision Decision
	awaitErr error
}

func (h *asyncHook) ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (any, error) {
	return Async{Ref: "ref-1"}, nil
}

type awaitingHook struct {
	asyncHook
}

func (h *awaitingHook) Await(ctx context.Context, ref any, timeout time.Duration) (Decision, error) {
	if h.awaitErr != nil {
		return Decision{}, h.awaitErr
	}
	return h.decision, nil
}

func TestReviewAsyncHookResolves(t *testing.T) {
	h := &awaitingHook{asyncHook{decision: Allow()}}
	d, err := Review(context.Background(), Hook(h), approvalEvent(), &Context{}, Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestReviewAsyncTimeoutDenies(t *testing.T) {
	h := &awaitingHook{asyncHook{awaitErr: ErrTimeout}}
	d, err := Review(context.Background(), Hook(h), approvalEvent(), &Context{}, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "approval timeout", d.Reason)
}

func TestReviewAsyncAwaitErrorDenies(t *testing.T) {
	h := &awaitingHook{asyncHook{awaitErr: errors.New("backend down")}}
	d, err := Review(context.Background(), Hook(h), approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "approval error")
	assert.Contains(t, d.Reason, "backend down")
}

func TestReviewAsyncWithoutAwaitDenies(t *testing.T) {
	h := &asyncHook{}
	d, err := Review(context.Background(), Hook(h), approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "async approval unsupported", d.Reason)
}

type preparingHook struct {
	gotExtra any
}

func (h *preparingHook) Prepare(ctx context.Context, ev *event.Event, actx *Context) (*Context, error) {
	next := *actx
	next.Extra = map[string]any{"prepared": true}
	return &next, nil
}

func (h *preparingHook) ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (any, error) {
	h.gotExtra = actx.Extra["prepared"]
	return Allow(), nil
}

func TestReviewHookPrepareReplacesContext(t *testing.T) {
	h := &preparingHook{}
	d, err := Review(context.Background(), Hook(h), approvalEvent(), &Context{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, true, h.gotExtra)
}

type panickingHook struct{}

func (panickingHook) ReviewTool(ctx context.Context, ev *event.Event, actx *Context) (any, error) {
	panic("hook crashed")
}

func TestReviewHookPanicIsHookFailure(t *testing.T) {
	_, err := Review(context.Background(), Hook(panickingHook{}), approvalEvent(), &Context{}, Options{})
	require.Error(t, err)
	assert.True(t, runerr.IsKind(err, runerr.KindApprovalHookFailed))
}

func TestReviewUnsupportedReviewer(t *testing.T) {
	_, err := Review(context.Background(), 42, approvalEvent(), &Context{}, Options{})
	require.Error(t, err)
	assert.True(t, runerr.IsKind(err, runerr.KindApprovalHookFailed))
}
