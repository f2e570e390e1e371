//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one block of normalized tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ContentTypeText is the only block type tools produce today.
const ContentTypeText = "text"

// Output is the canonical tool output shape fed back to the engine.
type Output struct {
	Content []ContentBlock `json:"content"`
}

// Text builds a single-text-block output.
func Text(s string) *Output {
	return &Output{Content: []ContentBlock{{Type: ContentTypeText, Text: s}}}
}

// TextContent returns the concatenated text of the output blocks.
func (o *Output) TextContent() string {
	if o == nil {
		return ""
	}
	text := ""
	for _, b := range o.Content {
		text += b.Text
	}
	return text
}

// Normalize coerces an arbitrary tool return into canonical output.
// Strings, stringers, byte slices and existing outputs map directly;
// everything else is JSON-encoded into a text block.
func Normalize(v any) *Output {
	switch out := v.(type) {
	case nil:
		return &Output{}
	case *Output:
		return out
	case Output:
		return &out
	case string:
		return Text(out)
	case []byte:
		return Text(string(out))
	case []ContentBlock:
		return &Output{Content: out}
	case fmt.Stringer:
		return Text(out.String())
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Text(fmt.Sprintf("%v", v))
		}
		return Text(string(data))
	}
}
