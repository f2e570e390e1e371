//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/thread"
)

func TestNewCancellationToken(t *testing.T) {
	a := NewCancellationToken()
	b := NewCancellationToken()
	assert.True(t, strings.HasPrefix(a, CancellationTokenPrefix))
	assert.Len(t, a, len(CancellationTokenPrefix)+32)
	assert.NotEqual(t, a, b)
}

func TestRequestCarriesThreadState(t *testing.T) {
	th := thread.New(thread.TransportExec)
	th.ID = "t1"
	th.ContinuationToken = "cont"
	th.SetMeta(thread.MetaWorkflow, "wf")
	th.Model = thread.ModelOptions{Model: "m", ReasoningEffort: "high"}
	th.UpsertPendingOutput(thread.PendingOutput{
		Key:      thread.KeyForCall("c1", "echo", nil),
		CallID:   "c1",
		ToolName: "echo",
		Output:   "ok",
	})
	th.UpsertPendingFailure(thread.PendingFailure{
		Key:      thread.KeyForCall("c2", "flaky", nil),
		CallID:   "c2",
		ToolName: "flaky",
		Reason:   thread.FailureReason{Message: "boom", Kind: "tool_failure"},
	})

	req := Request(th, "hello", &TurnOptions{
		CancellationToken: "codex_sdk_x",
		TimeoutMS:         1000,
		ToolChoice:        "auto",
		Extra:             map[string]any{"sandbox": "strict"},
	})

	assert.Equal(t, "turn.run", req["type"])
	assert.Equal(t, "t1", req["thread_id"])
	assert.Equal(t, "cont", req["continuation_token"])
	assert.Equal(t, "hello", req["input"])
	assert.Equal(t, "m", req["model"])

	outputs := req["tool_outputs"].([]map[string]any)
	require.Len(t, outputs, 1)
	assert.Equal(t, "c1", outputs[0]["call_id"])

	failures := req["tool_failures"].([]map[string]any)
	require.Len(t, failures, 1)
	assert.Equal(t, "c2", failures[0]["call_id"])

	options := req["options"].(map[string]any)
	assert.Equal(t, "codex_sdk_x", options["cancellation_token"])
	assert.Equal(t, 1000, options["timeout_ms"])
	assert.Equal(t, "auto", options["tool_choice"])
	assert.Equal(t, "strict", options["sandbox"])
}

func TestRequestOmitsEmptyFields(t *testing.T) {
	req := Request(thread.New(thread.TransportExec), "hi", nil)
	assert.NotContains(t, req, "thread_id")
	assert.NotContains(t, req, "continuation_token")
	assert.NotContains(t, req, "tool_outputs")
	assert.NotContains(t, req, "options")
}

func TestTurnOptionsClone(t *testing.T) {
	var nilOpts *TurnOptions
	assert.NotNil(t, nilOpts.Clone())

	opts := &TurnOptions{ToolChoice: "auto"}
	clone := opts.Clone()
	clone.ToolChoice = nil
	assert.Equal(t, "auto", opts.ToolChoice)
}
