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
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-codex-go/approval"
	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/internal/pipeline"
	"trpc.group/trpc-go/trpc-codex-go/internal/stream"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/telemetry"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

// StreamEventType tags semantic stream events.
type StreamEventType string

// Semantic stream event types.
const (
	StreamAgentUpdated    StreamEventType = "agent_updated"
	StreamRunItem         StreamEventType = "run_item"
	StreamRawResponses    StreamEventType = "raw_responses"
	StreamGuardrailResult StreamEventType = "guardrail_result"
	StreamToolApproval    StreamEventType = "tool_approval"
)

// CancelMode re-exports the stream cancel modes.
type CancelMode = stream.CancelMode

// Cancel modes.
const (
	CancelImmediate = stream.CancelImmediate
	CancelAfterTurn = stream.CancelAfterTurn
)

// StreamEvent is one semantic event emitted to streaming consumers. Exactly
// the fields relevant to its Type are populated.
type StreamEvent struct {
	ID   string
	Type StreamEventType

	// AgentUpdated.
	Agent     *Agent
	RunConfig *RunConfig

	// RunItem.
	Item     *event.Event
	ItemType event.ItemType

	// RawResponses, emitted once per turn.
	Events []*event.Event
	Usage  map[string]any

	// GuardrailResult.
	GuardrailStage  guardrail.Stage
	GuardrailName   string
	GuardrailStatus guardrail.Status
	Message         string

	// ToolApproval.
	ToolName string
	CallID   string
	Decision approval.Decision
	Reason   string
}

// StreamingResult is the handle to one streaming run. The producer starts
// lazily on the first consumer operation; Cancel works before and after
// that.
type StreamingResult struct {
	queue   *stream.Queue[*StreamEvent]
	control *stream.Control
	produce func(ctx context.Context)
	ctx     context.Context

	pumpOnce sync.Once
	eventsCh chan *StreamEvent

	mu     sync.Mutex
	result *Result
	err    error
}

// RunStreamed prepares a lazy streaming run. No transport work happens until
// the first consumer operation on the returned StreamingResult.
func (r *Runner) RunStreamed(ctx context.Context, th *thread.Thread, input any, opts ...Option) (*StreamingResult, error) {
	st, err := r.prepare(ctx, th, input, opts)
	if err != nil {
		return nil, err
	}

	queue := stream.NewQueue[*StreamEvent](stream.DefaultCapacity)
	control := stream.NewControl()
	control.AttachQueue(queue)

	sr := &StreamingResult{
		queue:   queue,
		control: control,
		ctx:     ctx,
	}
	if canceler, ok := r.transport.(transport.Canceler); ok {
		token := st.turnOpts.CancellationToken
		control.SetCancelHandler(func(mode stream.CancelMode) {
			if mode != stream.CancelImmediate {
				return
			}
			// Fire and forget: the driver stops on its own either way.
			if err := canceler.CancelTurn(token); err != nil {
				log.Debugf("Transport cancel for token %s failed: %v", token, err)
			}
		})
	}
	sr.produce = func(pctx context.Context) {
		r.produceStream(pctx, st, sr)
	}
	return sr, nil
}

// start launches the producer if it has not run yet.
func (sr *StreamingResult) start() {
	sr.control.StartIfNeeded(sr.ctx, sr.produce)
}

// Pop returns the next semantic event, blocking up to timeout. It returns
// stream.ErrDone on clean close and the terminal error on an error close.
func (sr *StreamingResult) Pop(timeout time.Duration) (*StreamEvent, error) {
	sr.start()
	return sr.queue.Pop(timeout)
}

// Events returns a channel yielding the semantic events in order. The
// channel closes on either terminal state; check Err afterwards.
func (sr *StreamingResult) Events() <-chan *StreamEvent {
	sr.start()
	sr.pumpOnce.Do(func() {
		sr.eventsCh = make(chan *StreamEvent)
		go func() {
			defer close(sr.eventsCh)
			for {
				ev, err := sr.queue.Pop(stream.DefaultPopTimeout)
				if err == nil {
					sr.eventsCh <- ev
					continue
				}
				if errors.Is(err, stream.ErrPopTimeout) {
					continue
				}
				return
			}
		}()
	})
	return sr.eventsCh
}

// Cancel requests cancellation. Immediate closes the queue and stops the
// producer; after-turn lets the current turn finish. An immediate cancel
// before the first consumer operation skips the producer entirely.
func (sr *StreamingResult) Cancel(mode CancelMode) {
	sr.control.Cancel(mode)
}

// Usage returns the latest usage snapshot observed by the stream.
func (sr *StreamingResult) Usage() map[string]any {
	return sr.control.Usage()
}

// Result returns the run result once the stream has closed cleanly; nil
// before that or when the run failed.
func (sr *StreamingResult) Result() *Result {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.result
}

// Err returns the run error, if any, once the stream has closed. Transport
// and internal errors also surface as the queue's terminal error; guardrail
// and approval failures only surface here (the queue closes cleanly after
// the descriptive semantic event).
func (sr *StreamingResult) Err() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.err != nil {
		return sr.err
	}
	return sr.queue.Err()
}

func (sr *StreamingResult) setResult(res *Result) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.result = res
}

func (sr *StreamingResult) setErr(err error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.err = err
}

// produceStream is the streaming turn driver. It owns the queue writer:
// every exit path closes the queue, with an error only for transport or
// internal failures.
func (r *Runner) produceStream(ctx context.Context, st *runState, sr *StreamingResult) {
	queue := sr.queue
	control := sr.control

	push := func(ev *StreamEvent) {
		ev.ID = uuid.New().String()
		queue.Push(ev)
	}
	guardrailHook := func(stage guardrail.Stage, name string, status guardrail.Status, message string) {
		push(&StreamEvent{
			Type:            StreamGuardrailResult,
			GuardrailStage:  stage,
			GuardrailName:   name,
			GuardrailStatus: status,
			Message:         message,
		})
	}
	approvalHook := func(toolName, callID string, decision approval.Decision) {
		push(&StreamEvent{
			Type:     StreamToolApproval,
			ToolName: toolName,
			CallID:   callID,
			Decision: decision,
			Reason:   decision.Reason,
		})
	}
	closeWith := func(err error) {
		if err == nil {
			queue.Close(nil)
			return
		}
		sr.setErr(err)
		if isUserDomainError(err) {
			// The descriptive semantic event is already on the queue.
			queue.Close(nil)
			return
		}
		queue.Close(err)
	}

	ctx, span := telemetry.Tracer.Start(ctx, telemetry.SpanRun)
	defer span.End()

	push(&StreamEvent{Type: StreamAgentUpdated, Agent: st.agent, RunConfig: st.config})

	if err := r.runInputGuardrails(ctx, st, guardrailHook); err != nil {
		closeWith(err)
		return
	}

	for {
		if control.Mode() == stream.CancelImmediate {
			sr.setResult(r.finalize(st, nil, nil))
			queue.Close(nil)
			return
		}

		annotateConversation(st.thread, st.config)
		tctx, tspan := telemetry.Tracer.Start(ctx, telemetry.SpanTurn)
		eventCh, err := r.transport.RunTurnStreamed(tctx, st.thread, st.input, st.turnOpts)
		if err != nil {
			tspan.End()
			closeWith(wrapTransportError(err))
			return
		}

		cancelled := false
		var turnEvents []*event.Event
		for ev := range eventCh {
			turnEvents = append(turnEvents, ev)
			push(&StreamEvent{Type: StreamRunItem, Item: ev, ItemType: event.ItemTypeFor(ev.Kind)})
			if control.Mode() == stream.CancelImmediate {
				cancelled = true
				break
			}
		}
		tspan.End()
		st.events = append(st.events, turnEvents...)

		red, err := event.Reduce(st.thread, turnEvents, event.ReduceOptions{StructuredOutput: st.structured})
		if err != nil {
			closeWith(err)
			return
		}
		st.thread = red.Thread
		control.PutUsage(st.thread.Usage)
		push(&StreamEvent{Type: StreamRawResponses, Events: turnEvents, Usage: st.thread.Usage})

		outcome, perr := pipeline.Run(ctx, &pipeline.Params{
			Thread:          st.thread,
			Events:          turnEvents,
			Attempt:         st.attempt,
			Agent:           st.agent,
			RunConfig:       st.config,
			ToolInput:       st.toolInput,
			ToolOutput:      st.toolOutput,
			Tools:           st.tools,
			Approver:        st.config.ApprovalPolicy,
			ApprovalTimeout: time.Duration(st.turnOpts.ApprovalTimeoutMS) * time.Millisecond,
			Hooks: pipeline.Hooks{
				OnGuardrail: guardrailHook,
				OnApproval:  approvalHook,
			},
		})
		if outcome != nil {
			mergeOutcome(st, outcome)
		}
		if perr != nil {
			closeWith(perr)
			return
		}

		applyAutoPreviousResponseID(st, turnEvents)

		if cancelled {
			sr.setResult(r.finalize(st, red.Response, nil))
			queue.Close(nil)
			return
		}

		final, finalOutput, err := st.agent.toolUseDecision(st.config, outcome.Results)
		if err != nil {
			closeWith(err)
			return
		}
		if final {
			if err := r.runOutputGuardrails(ctx, st, finalOutputPayload(finalOutput), guardrailHook); err != nil {
				closeWith(err)
				return
			}
			res := r.finalize(st, red.Response, finalOutput)
			sr.setResult(res)
			r.persist(ctx, st, res)
			queue.Close(nil)
			return
		}

		if control.Mode() == stream.CancelAfterTurn {
			sr.setResult(r.finalize(st, red.Response, nil))
			queue.Close(nil)
			return
		}

		if token := st.thread.ContinuationToken; token != "" {
			if st.attempt >= st.maxTurns {
				closeWith(runerr.MaxTurnsExceeded(st.maxTurns, token))
				return
			}
			st.backoff(st.attempt)
			st.attempt++
			st.turnOpts = nextTurnOptions(st, outcome.Results)
			continue
		}

		if err := r.runOutputGuardrails(ctx, st, responsePayload(red.Response), guardrailHook); err != nil {
			closeWith(err)
			return
		}
		res := r.finalize(st, red.Response, nil)
		sr.setResult(res)
		r.persist(ctx, st, res)
		queue.Close(nil)
		return
	}
}

// isUserDomainError reports whether the failure is a guardrail or approval
// outcome rather than a transport or internal error. User-domain failures
// close the queue cleanly after their descriptive semantic event.
func isUserDomainError(err error) bool {
	var ge *guardrail.Error
	if errors.As(err, &ge) {
		return true
	}
	var ae *approval.Error
	return errors.As(err, &ae)
}
