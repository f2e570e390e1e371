//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package event

import "encoding/json"

// AgentMessage is the decoded agent response surfaced to callers.
type AgentMessage struct {
	ID   string
	Text string
	// Parsed holds the JSON-decoded text when structured output was
	// requested and the text decoded cleanly; nil otherwise.
	Parsed any
}

// Empty reports whether the message carries no content.
func (m *AgentMessage) Empty() bool {
	return m == nil || (m.Text == "" && m.Parsed == nil)
}

// DecodeAgentMessage builds an AgentMessage from an item or final-response
// payload. With structured set, the text is JSON-decoded into Parsed; decode
// failure keeps the text and leaves Parsed nil.
func DecodeAgentMessage(payload map[string]any, structured bool) *AgentMessage {
	if payload == nil {
		return nil
	}
	msg := &AgentMessage{}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}
	text, ok := payload["text"].(string)
	if !ok {
		return nil
	}
	msg.Text = text
	if structured {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			msg.Parsed = parsed
		}
	}
	return msg
}

// isAgentMessageItem reports whether the item payload is an agent message.
func isAgentMessageItem(item map[string]any) bool {
	if item == nil {
		return false
	}
	t, _ := item["type"].(string)
	return t == itemTypeAgentMessage
}
