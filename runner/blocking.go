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
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/internal/pipeline"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/telemetry"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/tool"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

// runBlocking loops turns on the caller's goroutine until a final response,
// a tool-use stop, or the turn bound.
func (r *Runner) runBlocking(ctx context.Context, st *runState) (*Result, error) {
	for {
		annotateConversation(st.thread, st.config)

		tctx, span := telemetry.Tracer.Start(ctx, telemetry.SpanTurn)
		turnRes, err := r.transport.RunTurn(tctx, st.thread, st.input, st.turnOpts)
		span.End()
		if err != nil {
			return nil, wrapTransportError(err)
		}
		st.events = append(st.events, turnRes.Events...)

		red, err := event.Reduce(st.thread, turnRes.Events, event.ReduceOptions{StructuredOutput: st.structured})
		if err != nil {
			return nil, err
		}
		st.thread = red.Thread

		outcome, err := pipeline.Run(ctx, &pipeline.Params{
			Thread:          st.thread,
			Events:          turnRes.Events,
			Attempt:         st.attempt,
			Agent:           st.agent,
			RunConfig:       st.config,
			ToolInput:       st.toolInput,
			ToolOutput:      st.toolOutput,
			Tools:           st.tools,
			Approver:        st.config.ApprovalPolicy,
			ApprovalTimeout: time.Duration(st.turnOpts.ApprovalTimeoutMS) * time.Millisecond,
		})
		if outcome != nil {
			mergeOutcome(st, outcome)
		}
		if err != nil {
			return nil, err
		}

		applyAutoPreviousResponseID(st, turnRes.Events)

		final, finalOutput, err := st.agent.toolUseDecision(st.config, outcome.Results)
		if err != nil {
			return nil, err
		}
		if final {
			if err := r.runOutputGuardrails(ctx, st, finalOutputPayload(finalOutput), nil); err != nil {
				return nil, err
			}
			return r.finalize(st, red.Response, finalOutput), nil
		}

		if token := st.thread.ContinuationToken; token != "" {
			if st.attempt >= st.maxTurns {
				return nil, runerr.MaxTurnsExceeded(st.maxTurns, token)
			}
			st.backoff(st.attempt)
			st.attempt++
			st.turnOpts = nextTurnOptions(st, outcome.Results)
			log.Debugf("Turn continuation for thread %s, attempt %d/%d", st.thread.ID, st.attempt, st.maxTurns)
			continue
		}

		if err := r.runOutputGuardrails(ctx, st, responsePayload(red.Response), nil); err != nil {
			return nil, err
		}
		return r.finalize(st, red.Response, nil), nil
	}
}

// finalize clears the continuation and the pending tool payloads and builds
// the immutable result.
func (r *Runner) finalize(st *runState, response *event.AgentMessage, finalOutput any) *Result {
	st.thread.ContinuationToken = ""
	st.thread.ClearPending()

	res := &Result{
		Thread:         st.thread,
		Events:         st.events,
		FinalResponse:  response,
		FinalOutput:    finalOutput,
		Usage:          resultUsage(st.thread),
		ToolOutputs:    st.outputs,
		ToolFailures:   st.failures,
		Attempts:       st.attempt,
		LastResponseID: event.LastResponseID(st.events),
	}
	if response != nil {
		res.StructuredOutput = response.Parsed
	}
	if finalOutput != nil && response == nil {
		if out, ok := finalOutput.(*tool.Output); ok {
			res.FinalResponse = &event.AgentMessage{Text: out.TextContent()}
		}
	}
	return res
}

// nextTurnOptions applies the reset-tool-choice rule before the next turn.
func nextTurnOptions(st *runState, results []tool.CallResult) *transport.TurnOptions {
	opts := st.turnOpts
	if opts == nil {
		return &transport.TurnOptions{}
	}
	if st.agent.ResetToolChoice && len(results) > 0 && opts.ToolChoice != nil {
		next := opts.Clone()
		next.ToolChoice = nil
		return next
	}
	return opts
}

// applyAutoPreviousResponseID chains the next turn on the last response ID
// of the one that just finished.
func applyAutoPreviousResponseID(st *runState, turnEvents []*event.Event) {
	if !st.config.AutoPreviousResponseID {
		return
	}
	if id := event.LastResponseID(turnEvents); id != "" {
		st.config.PreviousResponseID = id
	}
}

func mergeOutcome(st *runState, outcome *pipeline.Outcome) {
	for _, res := range outcome.Results {
		key := thread.KeyForCall(res.CallID, res.ToolName, res.Arguments)
		kept := st.outputs[:0]
		for _, prev := range st.outputs {
			if thread.KeyForCall(prev.CallID, prev.ToolName, prev.Arguments) != key {
				kept = append(kept, prev)
			}
		}
		st.outputs = append(kept, res)
	}
	for _, f := range outcome.Failures {
		key := thread.KeyForCall(f.CallID, f.ToolName, f.Arguments)
		kept := st.failures[:0]
		for _, prev := range st.failures {
			if thread.KeyForCall(prev.CallID, prev.ToolName, prev.Arguments) != key {
				kept = append(kept, prev)
			}
		}
		st.failures = append(kept, f)
	}
}

// wrapTransportError surfaces a transport failure as exec_failed unless the
// transport already classified it.
func wrapTransportError(err error) error {
	var te *runerr.Error
	if errors.As(err, &te) {
		return te
	}
	return runerr.Wrap(runerr.KindExecFailed, err)
}

func responsePayload(response *event.AgentMessage) any {
	if response == nil {
		return ""
	}
	return response.Text
}

func resultUsage(t *thread.Thread) map[string]any {
	if t == nil || t.Usage == nil {
		return map[string]any{}
	}
	return t.Usage
}

func finalOutputPayload(output any) any {
	if out, ok := output.(*tool.Output); ok {
		return out.TextContent()
	}
	return output
}
