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

package event

import (
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
)

// ReduceOptions configures the reducer.
type ReduceOptions struct {
	// StructuredOutput JSON-decodes agent message text into Parsed.
	StructuredOutput bool
}

// Reduction is the outcome of folding one turn's events into a thread.
type Reduction struct {
	Thread   *thread.Thread
	Response *AgentMessage
	Usage    map[string]any
}

// Reduce folds a transport event sequence into a new thread state. The input
// thread is not mutated; calling Reduce twice over the same inputs yields
// equal outputs.
//
// A turn-failed event, or a turn-completed event with a failed or error
// status, aborts the fold with a turn_failed error.
func Reduce(t *thread.Thread, events []*Event, opts ReduceOptions) (*Reduction, error) {
	cur := t.Clone()
	if cur == nil {
		cur = &thread.Thread{}
	}
	var response *AgentMessage

	for _, ev := range events {
		switch ev.Kind {
		case KindThreadStarted:
			cur.ID = ev.ThreadID
			if ev.Metadata != nil {
				cur.Metadata = ev.Metadata
			}
			if labels, ok := ev.Metadata[thread.MetaLabels]; ok {
				cur.Labels = labels
			}
		case KindSessionConfigured:
			if ev.Model != "" {
				cur.Model.Model = ev.Model
			}
			if ev.ReasoningEffort != "" {
				cur.Model.ReasoningEffort = CoerceReasoningEffort(ev.ReasoningEffort)
			}
		case KindTurnContinuation:
			cur.ContinuationToken = ev.ContinuationToken
		case KindThreadTokenUsage:
			cur.Usage = applyUsageEvent(cur.Usage, ev.Usage, ev.UsageDelta)
			if ev.RateLimits != nil {
				cur.RateLimits = ev.RateLimits
			}
		case KindAccountRateLimits:
			cur.RateLimits = ev.RateLimits
		case KindTurnDiffUpdated:
			if ev.ThreadID != "" {
				cur.ID = ev.ThreadID
			}
		case KindTurnCompaction:
			if ev.ThreadID != "" {
				cur.ID = ev.ThreadID
			}
			if ev.Compaction != nil {
				usage, _ := ev.Compaction["usage"].(map[string]any)
				delta, _ := ev.Compaction["usage_delta"].(map[string]any)
				cur.Usage = applyUsageEvent(cur.Usage, usage, delta)
			}
		case KindItemAgentMessageDelta:
			if msg := DecodeAgentMessage(ev.Item, opts.StructuredOutput); msg != nil {
				response = msg
			}
		case KindItemCompleted:
			if isAgentMessageItem(ev.Item) {
				if msg := DecodeAgentMessage(ev.Item, opts.StructuredOutput); msg != nil {
					response = msg
				}
			}
		case KindTurnFailed:
			return nil, turnFailedError(ev.Err, nil)
		case KindTurnCompleted:
			if ev.Status == StatusFailed || ev.Status == StatusError {
				return nil, turnFailedError(ev.Err, ev.FinalResponse)
			}
			if ev.Usage != nil {
				cur.Usage = ev.Usage
			}
			if msg := DecodeAgentMessage(ev.FinalResponse, opts.StructuredOutput); msg != nil {
				response = msg
			}
			if !response.Empty() {
				cur.ContinuationToken = ""
			}
			if ev.Status == StatusEarlyExit {
				cur.Reset()
			}
		}
	}

	return &Reduction{Thread: cur, Response: response, Usage: cur.Usage}, nil
}

// LastResponseID returns the most recent non-empty response ID among the
// turn-completed events, in order.
func LastResponseID(events []*Event) string {
	last := ""
	for _, ev := range events {
		if ev.Kind == KindTurnCompleted && ev.ResponseID != "" {
			last = ev.ResponseID
		}
	}
	return last
}

// CoerceReasoningEffort normalizes a reasoning-effort value to its canonical
// lowercase form. Unrecognized values pass through trimmed.
func CoerceReasoningEffort(v string) string {
	e := strings.ToLower(strings.TrimSpace(v))
	switch e {
	case "minimal", "low", "medium", "high":
		return e
	}
	return strings.TrimSpace(v)
}

func turnFailedError(errPayload, finalResponse map[string]any) error {
	if len(errPayload) > 0 {
		inner := runerr.Normalize(errPayload)
		return runerr.New(runerr.KindTurnFailed, inner.Message).
			WithDetails(map[string]any{"error": errPayload})
	}
	msg := "turn failed"
	if finalResponse != nil {
		if text, ok := finalResponse["text"].(string); ok && text != "" {
			msg = text
		} else {
			msg = fmt.Sprintf("turn failed: %v", finalResponse)
		}
	}
	return runerr.New(runerr.KindTurnFailed, msg)
}
