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

// Package runerr defines the typed errors surfaced by the run loop.
package runerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of run-loop failure. The set is closed; anything
// that does not normalize into one of these becomes KindUnknown.
type Kind string

// Error kinds.
const (
	KindInvalidInput           Kind = "invalid_input"
	KindInvalidTransport       Kind = "invalid_transport"
	KindGuardrailReject        Kind = "guardrail_reject"
	KindGuardrailTripwire      Kind = "guardrail_tripwire"
	KindApprovalDenied         Kind = "approval_denied"
	KindApprovalHookFailed     Kind = "approval_hook_failed"
	KindToolFailure            Kind = "tool_failure"
	KindMaxTurnsExceeded       Kind = "max_turns_exceeded"
	KindTurnFailed             Kind = "turn_failed"
	KindExecFailed             Kind = "exec_failed"
	KindInvalidToolUseBehavior Kind = "invalid_tool_use_behavior"
	KindUnsupportedFeature     Kind = "unsupported_feature"
	KindException              Kind = "exception"
	KindUnknown                Kind = "unknown"
)

// Error is the typed error carried across the run loop.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches detail entries to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Wrap converts err into a typed error of the given kind, preserving the
// original error text in the message and the error itself in the details.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Details: map[string]any{"cause": err},
	}
}

// IsKind reports whether err is (or wraps) a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// MaxTurnsExceeded builds the bounded-run terminal error carrying the
// configured turn limit and the unresolved continuation token.
func MaxTurnsExceeded(maxTurns int, continuation string) *Error {
	return &Error{
		Kind:    KindMaxTurnsExceeded,
		Message: fmt.Sprintf("run did not finish within %d turns", maxTurns),
		Details: map[string]any{
			"max_turns":    maxTurns,
			"continuation": continuation,
		},
	}
}

// Normalize coerces an arbitrary failure value into a typed *Error.
//
// Typed errors pass through. Map payloads with message/type/error keys get
// destructured. Plain errors become KindException. Everything else becomes
// KindUnknown with a printed representation.
func Normalize(reason any) *Error {
	switch v := reason.(type) {
	case nil:
		return nil
	case *Error:
		return v
	case error:
		var te *Error
		if errors.As(v, &te) {
			return te
		}
		return &Error{Kind: KindException, Message: v.Error()}
	case map[string]any:
		return normalizeMap(v)
	default:
		return &Error{Kind: KindUnknown, Message: fmt.Sprintf("%v", reason)}
	}
}

func normalizeMap(m map[string]any) *Error {
	e := &Error{Kind: KindUnknown, Details: m}
	if t, ok := m["type"].(string); ok && t != "" {
		e.Kind = Kind(t)
	}
	if msg, ok := m["message"].(string); ok && msg != "" {
		e.Message = msg
	} else if inner, ok := m["error"].(string); ok && inner != "" {
		e.Message = inner
	} else if inner, ok := m["error"].(map[string]any); ok {
		if msg, ok := inner["message"].(string); ok {
			e.Message = msg
		}
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("%v", m)
	}
	return e
}
