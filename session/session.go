//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

// Package session provides run-history persistence for the runner.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrSessionIDRequired is returned when a key misses its session ID.
var ErrSessionIDRequired = errors.New("sessionID is required")

// Key identifies one conversation history.
type Key struct {
	UserID    string
	SessionID string
}

// Validate checks the key is usable.
func (k Key) Validate() error {
	if k.SessionID == "" {
		return ErrSessionIDRequired
	}
	return nil
}

// Entry is one persisted run record.
type Entry struct {
	// Input is the prepared run input (a string or input-block list).
	Input any `json:"input"`
	// FinalResponse is the run's final response text; when the run stopped
	// on a tool output without an agent message, it is that output's text.
	FinalResponse string `json:"final_response,omitempty"`
	// ConversationID is the conversation the run belonged to: the configured
	// conversation ID when present, the thread ID otherwise.
	ConversationID string `json:"conversation_id,omitempty"`
	// PreviousResponseID chains runs for engines that resume by response ID.
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Service persists and recalls run history.
type Service interface {
	// Load returns the history for the key, oldest first. A missing key
	// yields an empty history, not an error.
	Load(ctx context.Context, key Key) ([]Entry, error)

	// Append adds one entry to the key's history.
	Append(ctx context.Context, key Key, entry Entry) error

	// Delete drops the key's history.
	Delete(ctx context.Context, key Key) error
}

// Session binds a service to one history key; the runner persists run
// records through it.
type Session struct {
	Service Service
	Key     Key
}
