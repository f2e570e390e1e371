//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package exec

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec transport tests use /bin/sh")
	}
}

// fakeEngine echoes a scripted JSON-lines turn after consuming the request.
const fakeEngine = `read line
printf '%s\n' '{"type":"thread.started","thread_id":"t1"}'
printf '%s\n' '{"type":"item.completed","item":{"type":"agent_message","text":"hi"}}'
printf '%s\n' '{"type":"turn.completed","final_response":{"type":"text","text":"hi"}}'`

func TestRunTurnCollectsEvents(t *testing.T) {
	skipOnWindows(t)

	tr := New("sh", WithArgs("-c", fakeEngine))
	th := thread.New(thread.TransportExec)

	res, err := tr.RunTurn(context.Background(), th, "hello", &transport.TurnOptions{})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, event.KindThreadStarted, res.Events[0].Kind)
	assert.Equal(t, "t1", res.Events[0].ThreadID)
	assert.Equal(t, event.KindTurnCompleted, res.Events[2].Kind)
	assert.True(t, res.Events[2].Terminal())
}

func TestRunTurnStreamedStopsAtTerminal(t *testing.T) {
	skipOnWindows(t)

	// Junk after the terminal event must not be forwarded.
	script := fakeEngine + "\nprintf '%s\\n' '{\"type\":\"turn.started\"}'"
	tr := New("sh", WithArgs("-c", script))

	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportExec), "hello", &transport.TurnOptions{})
	require.NoError(t, err)

	var kinds []event.Kind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []event.Kind{event.KindThreadStarted, event.KindItemCompleted, event.KindTurnCompleted}, kinds)
}

func TestRunTurnEngineCrashYieldsTurnFailed(t *testing.T) {
	skipOnWindows(t)

	tr := New("sh", WithArgs("-c", `read line; echo "engine on fire" >&2; exit 3`))
	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportExec), "hello", &transport.TurnOptions{})
	require.NoError(t, err)

	var last *event.Event
	for ev := range ch {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, event.KindTurnFailed, last.Kind)
	assert.Contains(t, last.Err["message"], "engine on fire")
}

func TestCancelTurnKillsProcess(t *testing.T) {
	skipOnWindows(t)

	tr := New("sh", WithArgs("-c", `read line; sleep 30`))
	opts := &transport.TurnOptions{CancellationToken: "codex_sdk_cancel_me"}
	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportExec), "hello", opts)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.CancelTurn("codex_sdk_cancel_me"))

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
}

func TestCancelTurnUnknownTokenIsNoop(t *testing.T) {
	tr := New("sh")
	assert.NoError(t, tr.CancelTurn("codex_sdk_missing"))
}

func TestStreamIdleTimeoutKillsEngine(t *testing.T) {
	skipOnWindows(t)

	script := `read line
printf '%s\n' '{"type":"thread.started","thread_id":"t1"}'
sleep 30`
	tr := New("sh", WithArgs("-c", script))
	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportExec), "hello",
		&transport.TurnOptions{StreamIdleTimeoutMS: 100})
	require.NoError(t, err)

	start := time.Now()
	var kinds []event.Kind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, event.KindThreadStarted, kinds[0])
	assert.Equal(t, event.KindTurnFailed, kinds[len(kinds)-1])
	assert.Less(t, time.Since(start), 10*time.Second)
}
