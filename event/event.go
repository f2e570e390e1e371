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

// Package event defines the transport event union and the turn reducer.
package event

import (
	"encoding/json"
	"strings"
)

// Kind is the canonical event type tag. Wire tags accept both dotted and
// slashed separators; Parse normalizes to the dotted form.
type Kind string

// Event kinds recognized by the reducer. Anything else parses as KindOther
// with the raw payload retained.
const (
	KindThreadStarted         Kind = "thread.started"
	KindTurnStarted           Kind = "turn.started"
	KindTurnContinuation      Kind = "turn.continuation"
	KindTurnCompleted         Kind = "turn.completed"
	KindTurnFailed            Kind = "turn.failed"
	KindThreadTokenUsage      Kind = "thread.tokenUsage.updated"
	KindAccountRateLimits     Kind = "account.rateLimits.updated"
	KindTurnDiffUpdated       Kind = "turn.diff.updated"
	KindTurnCompaction        Kind = "turn.compaction"
	KindItemStarted           Kind = "item.started"
	KindItemUpdated           Kind = "item.updated"
	KindItemCompleted         Kind = "item.completed"
	KindItemAgentMessageDelta Kind = "item.agentMessageDelta"
	KindToolCallRequested     Kind = "toolCall.requested"
	KindToolCallCompleted     Kind = "toolCall.completed"
	KindSessionConfigured     Kind = "session.configured"
	KindError                 Kind = "error"
	KindOther                 Kind = "other"
)

// Turn completion statuses with special handling.
const (
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusEarlyExit = "early_exit"
)

// Item payload types the reducer recognizes.
const itemTypeAgentMessage = "agent_message"

// Event is the tagged union of transport events. Exactly the fields relevant
// to the event's Kind are populated; Raw retains the decoded wire payload.
type Event struct {
	Kind Kind

	ThreadID string
	TurnID   string

	// ThreadStarted.
	Metadata map[string]any

	// TurnContinuation.
	ContinuationToken string
	Retryable         bool
	Reason            string

	// TurnCompleted.
	ResponseID    string
	FinalResponse map[string]any
	Status        string
	Err           map[string]any

	// Token usage and rate limits.
	Usage      map[string]any
	UsageDelta map[string]any
	RateLimits map[string]any

	// TurnDiffUpdated.
	Diff string

	// TurnCompaction.
	CompactionStage string
	Compaction      map[string]any

	// Item events.
	Item map[string]any

	// Tool calls.
	CallID           string
	ToolName         string
	Arguments        json.RawMessage
	RequiresApproval bool
	Approved         *bool
	ApprovedByPolicy *bool
	SandboxWarnings  []string
	Capabilities     map[string]any

	// SessionConfigured.
	Model           string
	ReasoningEffort string

	// Error.
	Message   string
	WillRetry bool

	Raw map[string]any
}

// NormalizeKind maps a wire type tag onto a Kind. Slashed separators are
// accepted alongside dotted ones; compaction events keep their stage suffix
// out of the kind.
func NormalizeKind(tag string) Kind {
	t := strings.ReplaceAll(tag, "/", ".")
	if strings.HasPrefix(t, string(KindTurnCompaction)+".") || t == string(KindTurnCompaction) {
		return KindTurnCompaction
	}
	switch Kind(t) {
	case KindThreadStarted, KindTurnStarted, KindTurnContinuation, KindTurnCompleted,
		KindTurnFailed, KindThreadTokenUsage, KindAccountRateLimits, KindTurnDiffUpdated,
		KindItemStarted, KindItemUpdated, KindItemCompleted, KindItemAgentMessageDelta,
		KindToolCallRequested, KindToolCallCompleted, KindSessionConfigured, KindError:
		return Kind(t)
	default:
		return KindOther
	}
}

// compactionStage extracts the stage suffix of a compaction type tag, e.g.
// "turn.compaction.started" yields "started".
func compactionStage(tag string) string {
	t := strings.ReplaceAll(tag, "/", ".")
	if rest, ok := strings.CutPrefix(t, string(KindTurnCompaction)+"."); ok {
		return rest
	}
	return ""
}

type wireEvent struct {
	Type              string          `json:"type"`
	ThreadID          string          `json:"thread_id"`
	TurnID            string          `json:"turn_id"`
	Metadata          map[string]any  `json:"metadata"`
	ContinuationToken string          `json:"continuation_token"`
	Retryable         bool            `json:"retryable"`
	Reason            string          `json:"reason"`
	ResponseID        string          `json:"response_id"`
	FinalResponse     map[string]any  `json:"final_response"`
	Status            string          `json:"status"`
	Error             map[string]any  `json:"error"`
	Usage             map[string]any  `json:"usage"`
	Delta             map[string]any  `json:"delta"`
	UsageDelta        map[string]any  `json:"usage_delta"`
	RateLimits        map[string]any  `json:"rate_limits"`
	Diff              string          `json:"diff"`
	Stage             string          `json:"stage"`
	Compaction        map[string]any  `json:"compaction"`
	Item              map[string]any  `json:"item"`
	CallID            string          `json:"call_id"`
	ToolName          string          `json:"tool_name"`
	Arguments         json.RawMessage `json:"arguments"`
	RequiresApproval  bool            `json:"requires_approval"`
	Approved          *bool           `json:"approved"`
	ApprovedByPolicy  *bool           `json:"approved_by_policy"`
	SandboxWarnings   []string        `json:"sandbox_warnings"`
	Capabilities      map[string]any  `json:"capabilities"`
	Model             string          `json:"model"`
	ReasoningEffort   string          `json:"reasoning_effort"`
	Message           string          `json:"message"`
	WillRetry         bool            `json:"will_retry"`
}

// Parse decodes one wire event. Unknown type tags yield KindOther with the
// raw payload retained so callers can still forward them.
func Parse(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	delta := w.Delta
	if delta == nil {
		delta = w.UsageDelta
	}
	stage := w.Stage
	if stage == "" {
		stage = compactionStage(w.Type)
	}

	return &Event{
		Kind:              NormalizeKind(w.Type),
		ThreadID:          w.ThreadID,
		TurnID:            w.TurnID,
		Metadata:          w.Metadata,
		ContinuationToken: w.ContinuationToken,
		Retryable:         w.Retryable,
		Reason:            w.Reason,
		ResponseID:        w.ResponseID,
		FinalResponse:     w.FinalResponse,
		Status:            w.Status,
		Err:               w.Error,
		Usage:             w.Usage,
		UsageDelta:        delta,
		RateLimits:        w.RateLimits,
		Diff:              w.Diff,
		CompactionStage:   stage,
		Compaction:        w.Compaction,
		Item:              w.Item,
		CallID:            w.CallID,
		ToolName:          w.ToolName,
		Arguments:         w.Arguments,
		RequiresApproval:  w.RequiresApproval,
		Approved:          w.Approved,
		ApprovedByPolicy:  w.ApprovedByPolicy,
		SandboxWarnings:   w.SandboxWarnings,
		Capabilities:      w.Capabilities,
		Model:             w.Model,
		ReasoningEffort:   w.ReasoningEffort,
		Message:           w.Message,
		WillRetry:         w.WillRetry,
		Raw:               raw,
	}, nil
}

// IsApproved reports whether the tool call event carries an explicit
// affirmative approval.
func (e *Event) IsApproved() bool {
	return e.Approved != nil && *e.Approved
}

// Terminal reports whether the event ends a turn.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindTurnCompleted, KindTurnFailed, KindTurnContinuation:
		return true
	}
	return false
}

// ItemType is the closed normalization of transport event kinds surfaced on
// run-item stream events.
type ItemType string

// Item types.
const (
	ItemThreadStarted     ItemType = "thread_started"
	ItemTurnStarted       ItemType = "turn_started"
	ItemTurnContinuation  ItemType = "turn_continuation"
	ItemTurnCompleted     ItemType = "turn_completed"
	ItemStarted           ItemType = "item_started"
	ItemUpdated           ItemType = "item_updated"
	ItemCompleted         ItemType = "item_completed"
	ItemDelta             ItemType = "item_delta"
	ItemToolCall          ItemType = "tool_call"
	ItemToolCallCompleted ItemType = "tool_call_completed"
	ItemTurnDiff          ItemType = "turn_diff"
	ItemTurnCompaction    ItemType = "turn_compaction"
	ItemUsage             ItemType = "usage"
	ItemEvent             ItemType = "event"
)

// ItemTypeFor maps an event kind onto the closed item type set.
func ItemTypeFor(k Kind) ItemType {
	switch k {
	case KindThreadStarted:
		return ItemThreadStarted
	case KindTurnStarted:
		return ItemTurnStarted
	case KindTurnContinuation:
		return ItemTurnContinuation
	case KindTurnCompleted:
		return ItemTurnCompleted
	case KindItemStarted:
		return ItemStarted
	case KindItemUpdated:
		return ItemUpdated
	case KindItemCompleted:
		return ItemCompleted
	case KindItemAgentMessageDelta:
		return ItemDelta
	case KindToolCallRequested:
		return ItemToolCall
	case KindToolCallCompleted:
		return ItemToolCallCompleted
	case KindTurnDiffUpdated:
		return ItemTurnDiff
	case KindTurnCompaction:
		return ItemTurnCompaction
	case KindThreadTokenUsage, KindAccountRateLimits:
		return ItemUsage
	default:
		return ItemEvent
	}
}
