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

	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/session"
)

const defaultMaxTurns = 10

// SessionInputCallback prepares the run input from the raw input and the
// loaded session history. Returning something that is neither a string nor
// an input-block list falls back to the raw input.
type SessionInputCallback func(ctx context.Context, input any, history []session.Entry) (any, error)

// RunConfig carries the run-level configuration.
type RunConfig struct {
	// MaxTurns bounds the number of transport calls in one run.
	MaxTurns int

	InputGuardrails  []guardrail.Guardrail
	OutputGuardrails []guardrail.Guardrail

	// Model and ReasoningEffort override the thread's model options.
	Model           string
	ReasoningEffort string

	// Tracing metadata, merged into the thread with overwrite-if-present
	// semantics.
	TraceWorkflow   string
	TraceGroup      string
	TraceID         string
	TraceSensitive  *bool
	TracingDisabled *bool

	// FileSearch is merged right-biased per key into the thread's
	// file_search metadata.
	FileSearch map[string]any

	// Session persists run records; SessionInputCallback prepares the input
	// from the loaded history.
	Session              *session.Session
	SessionInputCallback SessionInputCallback

	// ApprovalPolicy reviews tool calls that require approval. Accepts an
	// approval.Policy or approval.Hook.
	ApprovalPolicy any

	// AutoPreviousResponseID chains turns by the last response ID.
	AutoPreviousResponseID bool
	PreviousResponseID     string
	ConversationID         string
}

// normalize fills config defaults in place.
func (rc *RunConfig) normalize() {
	if rc.MaxTurns <= 0 {
		rc.MaxTurns = defaultMaxTurns
	}
}
