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

package runner

import (
	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/tool"
)

// Result is the immutable outcome of one run.
type Result struct {
	// Thread is the post-run snapshot with pending tool payloads cleared.
	Thread *thread.Thread

	// Events are all transport events observed, in order.
	Events []*event.Event

	// FinalResponse is the decoded agent message. When the run finished on a
	// *tool.Output without one, it carries that output's text; it is nil
	// when there is neither.
	FinalResponse *event.AgentMessage

	// FinalOutput is the tool output that ended the run when the agent's
	// tool-use behavior stopped it; nil otherwise.
	FinalOutput any

	// Usage is the merged final usage mapping.
	Usage map[string]any

	// ToolOutputs and ToolFailures aggregate the run's tool activity,
	// deduplicated by call key.
	ToolOutputs  []tool.CallResult
	ToolFailures []tool.CallFailure

	// StructuredOutput is the JSON-decoded final response when an output
	// schema was requested and the text decoded cleanly.
	StructuredOutput any

	// Attempts is the number of transport turns executed.
	Attempts int

	// LastResponseID is the last non-empty response ID among the run's
	// turn-completed events.
	LastResponseID string
}

// FinalText returns the final response text, empty when absent.
func (r *Result) FinalText() string {
	if r.FinalResponse == nil {
		return ""
	}
	return r.FinalResponse.Text
}
