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

// Package runner drives the multi-turn run loop against a transport.
package runner

import (
	"context"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/session"
	"trpc.group/trpc-go/trpc-codex-go/telemetry"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/tool"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

// Runner executes runs against one transport.
type Runner struct {
	transport transport.Transport
	tools     *tool.Registry
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithToolRegistry sets the registry the runner resolves tools from. The
// process-wide default registry is used otherwise.
func WithToolRegistry(r *tool.Registry) RunnerOption {
	return func(rn *Runner) {
		rn.tools = r
	}
}

// New creates a Runner on the given transport.
func New(t transport.Transport, opts ...RunnerOption) *Runner {
	r := &Runner{transport: t, tools: tool.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a blocking run: turns loop until a final response, a
// tool-use stop, or the turn bound.
func (r *Runner) Run(ctx context.Context, th *thread.Thread, input any, opts ...Option) (*Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx, telemetry.SpanRun)
	defer span.End()

	st, err := r.prepare(ctx, th, input, opts)
	if err != nil {
		return nil, err
	}
	if err := r.runInputGuardrails(ctx, st, nil); err != nil {
		return nil, err
	}
	res, err := r.runBlocking(ctx, st)
	if err != nil {
		return nil, err
	}
	r.persist(ctx, st, res)
	return res, nil
}

// runState is the mutable state of one run.
type runState struct {
	agent  *Agent
	config *RunConfig

	thread   *thread.Thread
	input    any
	turnOpts *transport.TurnOptions
	backoff  func(attempt int)
	maxTurns int

	structured bool
	tools      *tool.Registry

	inputGuardrails  []guardrail.Guardrail
	outputGuardrails []guardrail.Guardrail
	toolInput        []guardrail.ToolGuardrail
	toolOutput       []guardrail.ToolGuardrail

	attempt  int
	events   []*event.Event
	outputs  []tool.CallResult
	failures []tool.CallFailure
}

// prepare normalizes the run options and applies the run config to the
// thread: model override, tracing metadata, file-search config, guardrail
// sets, session input preparation.
func (r *Runner) prepare(ctx context.Context, th *thread.Thread, input any, opts []Option) (*runState, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	prepared, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}

	agent := options.agent
	if agent == nil {
		agent = &Agent{Name: "agent"}
	}
	rc := options.runConfig
	if rc == nil {
		rc = &RunConfig{}
	}
	rc.normalize()
	maxTurns := rc.MaxTurns
	if options.maxTurns > 0 {
		maxTurns = options.maxTurns
	}

	if th == nil {
		th = &thread.Thread{}
	}
	applyModelOverride(th, rc)
	applyTracingMetadata(th, rc)
	applyFileSearch(th, rc)

	if rc.Session != nil && rc.Session.Service != nil {
		history, err := rc.Session.Service.Load(ctx, rc.Session.Key)
		if err != nil {
			return nil, err
		}
		if rc.SessionInputCallback != nil {
			produced, err := rc.SessionInputCallback(ctx, prepared, history)
			if err != nil {
				return nil, err
			}
			if normalized, nerr := normalizeInput(produced); nerr == nil {
				prepared = normalized
			}
		}
	}

	turnOpts := options.turnOptions.Clone()
	if turnOpts.CancellationToken == "" {
		turnOpts.CancellationToken = transport.NewCancellationToken()
	}

	backoff := options.backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	tools := options.tools
	if tools == nil {
		tools = r.tools
	}

	return &runState{
		agent:            agent,
		config:           rc,
		thread:           th,
		input:            prepared,
		turnOpts:         turnOpts,
		backoff:          backoff,
		maxTurns:         maxTurns,
		structured:       turnOpts.OutputSchema != nil,
		tools:            tools,
		inputGuardrails:  append(append([]guardrail.Guardrail{}, agent.InputGuardrails...), rc.InputGuardrails...),
		outputGuardrails: append(append([]guardrail.Guardrail{}, agent.OutputGuardrails...), rc.OutputGuardrails...),
		toolInput:        agent.ToolInputGuardrails,
		toolOutput:       agent.ToolOutputGuardrails,
		attempt:          1,
	}, nil
}

func (r *Runner) runInputGuardrails(ctx context.Context, st *runState, hook guardrail.Hook) error {
	gctx := &guardrail.Context{
		Agent:     st.agent,
		RunConfig: st.config,
		Thread:    st.thread,
		Attempt:   st.attempt,
	}
	return guardrail.Run(ctx, guardrail.StageInput, st.inputGuardrails, st.input, gctx, hook)
}

func (r *Runner) runOutputGuardrails(ctx context.Context, st *runState, payload any, hook guardrail.Hook) error {
	gctx := &guardrail.Context{
		Agent:     st.agent,
		RunConfig: st.config,
		Thread:    st.thread,
		Attempt:   st.attempt,
	}
	return guardrail.Run(ctx, guardrail.StageOutput, st.outputGuardrails, payload, gctx, hook)
}

// persist appends the run record to the session and applies the
// auto-previous-response-id chain.
func (r *Runner) persist(ctx context.Context, st *runState, res *Result) {
	rc := st.config
	if rc.AutoPreviousResponseID && res.LastResponseID != "" {
		rc.PreviousResponseID = res.LastResponseID
	}
	if rc.Session == nil || rc.Session.Service == nil {
		return
	}
	conversationID := rc.ConversationID
	if conversationID == "" && res.Thread != nil {
		conversationID = res.Thread.ID
	}
	entry := session.Entry{
		Input:              st.input,
		FinalResponse:      res.FinalText(),
		ConversationID:     conversationID,
		PreviousResponseID: rc.PreviousResponseID,
		CreatedAt:          time.Now(),
	}
	if err := rc.Session.Service.Append(ctx, rc.Session.Key, entry); err != nil {
		log.Errorf("Failed to persist run to session %s: %v", rc.Session.Key.SessionID, err)
	}
}

// normalizeInput accepts a string or a sequence of input-block mappings.
func normalizeInput(input any) (any, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case []map[string]any:
		return v, nil
	case []any:
		blocks := make([]map[string]any, 0, len(v))
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				return nil, invalidInput(input)
			}
			blocks = append(blocks, block)
		}
		return blocks, nil
	default:
		return nil, invalidInput(input)
	}
}

func invalidInput(input any) error {
	return runerr.Newf(runerr.KindInvalidInput, "input must be a string or a list of input blocks").
		WithDetails(map[string]any{"value": input})
}

func applyModelOverride(th *thread.Thread, rc *RunConfig) {
	if rc.Model != "" {
		th.Model.Model = rc.Model
	}
	if rc.ReasoningEffort != "" {
		th.Model.ReasoningEffort = event.CoerceReasoningEffort(rc.ReasoningEffort)
	}
}

// applyTracingMetadata overwrites the tracing keys that are present on the
// config, leaving absent ones untouched on the thread.
func applyTracingMetadata(th *thread.Thread, rc *RunConfig) {
	if rc.TraceWorkflow != "" {
		th.SetMeta(thread.MetaWorkflow, rc.TraceWorkflow)
	}
	if rc.TraceGroup != "" {
		th.SetMeta(thread.MetaGroup, rc.TraceGroup)
	}
	if rc.TraceID != "" {
		th.SetMeta(thread.MetaTraceID, rc.TraceID)
	}
	if rc.TraceSensitive != nil {
		th.SetMeta(thread.MetaTraceSensitive, *rc.TraceSensitive)
	}
	if rc.TracingDisabled != nil {
		th.SetMeta(thread.MetaTracingDisabled, *rc.TracingDisabled)
	}
}

// applyFileSearch merges the config's file-search map right-biased per key
// over the thread's.
func applyFileSearch(th *thread.Thread, rc *RunConfig) {
	if rc.FileSearch == nil {
		return
	}
	merged := map[string]any{}
	for k, v := range th.MetaMap(thread.MetaFileSearch) {
		merged[k] = v
	}
	for k, v := range rc.FileSearch {
		merged[k] = v
	}
	th.SetMeta(thread.MetaFileSearch, merged)
}

// annotateConversation stamps the configured conversation identifiers onto
// the thread metadata before each turn.
func annotateConversation(th *thread.Thread, rc *RunConfig) {
	if rc.ConversationID != "" {
		th.SetMeta(thread.MetaConversationID, rc.ConversationID)
	}
	if rc.PreviousResponseID != "" {
		th.SetMeta(thread.MetaPreviousResponse, rc.PreviousResponseID)
	}
}
