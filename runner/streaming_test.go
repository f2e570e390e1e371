//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/approval"
	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/internal/stream"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/tool"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

// collect drains the stream until a terminal state or the deadline.
func collect(t *testing.T, sr *StreamingResult) []*StreamEvent {
	t.Helper()
	var events []*StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("stream did not terminate")
		default:
		}
		ev, err := sr.Pop(time.Second)
		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func TestRunStreamedOrdering(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{textTurn("t1", "hi")}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "hello", WithBackoff(noBackoff))
	require.NoError(t, err)

	events := collect(t, sr)
	require.NotEmpty(t, events)

	// AgentUpdated precedes any RunItem.
	assert.Equal(t, StreamAgentUpdated, events[0].Type)
	require.NotNil(t, events[0].Agent)

	// RunItems mirror the transport events in order.
	var items []*event.Event
	rawSeen := false
	for _, ev := range events[1:] {
		switch ev.Type {
		case StreamRunItem:
			assert.False(t, rawSeen, "RunItem after RawResponses within one turn")
			items = append(items, ev.Item)
		case StreamRawResponses:
			rawSeen = true
			assert.Len(t, ev.Events, 4)
		}
	}
	require.Len(t, items, 4)
	assert.Equal(t, event.KindThreadStarted, items[0].Kind)
	assert.Equal(t, event.ItemThreadStarted, event.ItemTypeFor(items[0].Kind))
	assert.Equal(t, event.KindTurnCompleted, items[3].Kind)
	assert.True(t, rawSeen)

	require.NoError(t, sr.Err())
	res := sr.Result()
	require.NotNil(t, res)
	assert.Equal(t, "hi", res.FinalText())
}

func TestRunStreamedRawResponsesPerTurn(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{
		{
			{Kind: event.KindTurnStarted},
			{Kind: event.KindTurnContinuation, ContinuationToken: "cont"},
		},
		textTurn("t1", "done"),
	}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go", WithBackoff(noBackoff))
	require.NoError(t, err)

	events := collect(t, sr)
	// RawResponses of turn 1 appears before any RunItem of turn 2.
	var sequence []string
	for _, ev := range events {
		switch ev.Type {
		case StreamRunItem:
			sequence = append(sequence, "item:"+string(ev.Item.Kind))
		case StreamRawResponses:
			sequence = append(sequence, "raw")
		}
	}
	firstRaw := -1
	for i, s := range sequence {
		if s == "raw" {
			firstRaw = i
			break
		}
	}
	require.GreaterOrEqual(t, firstRaw, 0)
	for _, s := range sequence[:firstRaw] {
		assert.True(t, strings.HasPrefix(s, "item:"))
	}
	// Turn 2 items come after turn 1's raw batch.
	assert.Contains(t, sequence[firstRaw+1:], "item:"+string(event.KindThreadStarted))
	require.NoError(t, sr.Err())
}

func TestRunStreamedCancelImmediate(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{{
		{Kind: event.KindThreadStarted, ThreadID: "t1"},
		{Kind: event.KindTurnContinuation, ContinuationToken: "cont"},
	}}}
	r := New(tr)

	// A real backoff keeps the producer looping long enough to observe the
	// cancellation deterministically.
	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go",
		WithMaxTurns(1000),
		WithBackoff(func(int) { time.Sleep(20 * time.Millisecond) }))
	require.NoError(t, err)

	// Read one event, then cancel.
	first, err := sr.Pop(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	sr.Cancel(CancelImmediate)

	// The stream reaches done within the pop timeout and the transport got
	// the cancellation token.
	deadline := time.After(5 * time.Second)
	for {
		_, err := sr.Pop(time.Second)
		if errors.Is(err, stream.ErrDone) {
			break
		}
		require.NoError(t, err)
		select {
		case <-deadline:
			t.Fatal("stream did not reach done after immediate cancel")
		default:
		}
	}

	tr.mu.Lock()
	cancelled := append([]string(nil), tr.cancelled...)
	tr.mu.Unlock()
	require.Len(t, cancelled, 1)
	assert.True(t, strings.HasPrefix(cancelled[0], transport.CancellationTokenPrefix))
}

func TestRunStreamedCancelBeforeFirstTouch(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{textTurn("t1", "hi")}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go")
	require.NoError(t, err)

	sr.Cancel(CancelImmediate)
	sr.Cancel(CancelImmediate) // idempotent

	_, err = sr.Pop(time.Second)
	assert.ErrorIs(t, err, stream.ErrDone)
	// The producer never ran a turn.
	assert.Zero(t, tr.callCount())
}

func TestRunStreamedCancelAfterTurn(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{{
		{Kind: event.KindTurnStarted},
		{Kind: event.KindTurnContinuation, ContinuationToken: "cont"},
	}}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go",
		WithMaxTurns(1000),
		WithBackoff(func(int) { time.Sleep(20 * time.Millisecond) }))
	require.NoError(t, err)

	first, err := sr.Pop(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StreamAgentUpdated, first.Type)
	sr.Cancel(CancelAfterTurn)

	collect(t, sr)
	require.NoError(t, sr.Err())
	// The producer stopped cooperatively well before the turn bound.
	assert.Less(t, tr.callCount(), 1000)
}

func TestRunStreamedInputGuardrailClosesCleanly(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{textTurn("t1", "hi")}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "bad",
		WithAgent(&Agent{
			Name: "guarded",
			InputGuardrails: []guardrail.Guardrail{{
				Name: "screen",
				Run: func(ctx context.Context, payload any, gctx *guardrail.Context) guardrail.Outcome {
					return guardrail.Tripwire("rejected")
				},
			}},
		}))
	require.NoError(t, err)

	events := collect(t, sr)
	// The descriptive GuardrailResult precedes the clean close.
	var sawGuardrail bool
	for _, ev := range events {
		if ev.Type == StreamGuardrailResult {
			sawGuardrail = true
			assert.Equal(t, guardrail.StageInput, ev.GuardrailStage)
			assert.Equal(t, "screen", ev.GuardrailName)
			assert.Equal(t, guardrail.StatusTripwire, ev.GuardrailStatus)
		}
	}
	assert.True(t, sawGuardrail)

	// The queue closed cleanly; the failure surfaces on Err only.
	var ge *guardrail.Error
	require.ErrorAs(t, sr.Err(), &ge)
	assert.Zero(t, tr.callCount())
}

func TestRunStreamedToolApprovalEventAndCleanClose(t *testing.T) {
	registry := tool.NewRegistry()
	tr := &fakeTransport{turns: [][]*event.Event{{
		{Kind: event.KindToolCallRequested, CallID: "c1", ToolName: "deploy", Arguments: []byte(`{}`), RequiresApproval: true},
		{Kind: event.KindTurnContinuation, ContinuationToken: "cont"},
	}}}
	r := New(tr, WithToolRegistry(registry))

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go",
		WithRunConfig(&RunConfig{ApprovalPolicy: denyPolicy("blocked")}),
		WithBackoff(noBackoff))
	require.NoError(t, err)

	events := collect(t, sr)
	var sawApproval bool
	for _, ev := range events {
		if ev.Type == StreamToolApproval {
			sawApproval = true
			assert.Equal(t, "deploy", ev.ToolName)
			assert.Equal(t, "c1", ev.CallID)
			assert.False(t, ev.Decision.Allowed)
			assert.Equal(t, "blocked", ev.Reason)
		}
	}
	assert.True(t, sawApproval)
	assert.Error(t, sr.Err())
	assert.NoError(t, sr.queue.Err())
}

func TestRunStreamedMaxTurnsErrorClose(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{{
		{Kind: event.KindTurnContinuation, ContinuationToken: "cont"},
	}}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "go",
		WithRunConfig(&RunConfig{MaxTurns: 2}),
		WithBackoff(noBackoff))
	require.NoError(t, err)

	// Drain until the terminal error surfaces.
	deadline := time.After(5 * time.Second)
	var terminal error
	for terminal == nil {
		select {
		case <-deadline:
			t.Fatal("stream did not fail")
		default:
		}
		_, popErr := sr.Pop(time.Second)
		if popErr != nil && !errors.Is(popErr, stream.ErrPopTimeout) {
			terminal = popErr
		}
	}
	assert.True(t, runerr.IsKind(terminal, runerr.KindMaxTurnsExceeded))
	assert.Equal(t, 2, tr.callCount())
}

func TestRunStreamedEventsChannel(t *testing.T) {
	tr := &fakeTransport{turns: [][]*event.Event{textTurn("t1", "hi")}}
	r := New(tr)

	sr, err := r.RunStreamed(context.Background(), &thread.Thread{}, "hello")
	require.NoError(t, err)

	var types []StreamEventType
	for ev := range sr.Events() {
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, StreamAgentUpdated, types[0])
	require.NoError(t, sr.Err())
	assert.Equal(t, "hi", sr.Result().FinalText())
}

func denyPolicy(reason string) approval.PolicyFunc {
	return func(ctx context.Context, ev *event.Event, actx *approval.Context) (approval.Decision, error) {
		return approval.Deny(reason), nil
	}
}
