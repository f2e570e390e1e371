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
	"trpc.group/trpc-go/trpc-codex-go/guardrail"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/tool"
)

// Tool-use modes.
const (
	// ToolUseRunLLMAgain feeds tool results back and runs another turn.
	ToolUseRunLLMAgain = "run_llm_again"
	// ToolUseStopOnFirstTool makes the first tool result the final output.
	ToolUseStopOnFirstTool = "stop_on_first_tool"
	// ToolUseStopAtToolNames stops when a result matches one of the names.
	ToolUseStopAtToolNames = "stop_at_tool_names"
	// ToolUseCustom delegates the decision to a caller function.
	ToolUseCustom = "custom"
)

// ToolUseContext is handed to custom tool-use functions.
type ToolUseContext struct {
	Agent     *Agent
	RunConfig *RunConfig
}

// ToolUseDecision is the outcome of a custom tool-use function.
type ToolUseDecision struct {
	IsFinalOutput bool
	FinalOutput   any
}

// CustomToolUseFunc decides whether the turn's tool results end the run.
type CustomToolUseFunc func(tctx *ToolUseContext, results []tool.CallResult) (ToolUseDecision, error)

// ToolUseBehavior is the agent-level policy deciding whether emitting a tool
// call is itself the final output of the run.
type ToolUseBehavior struct {
	Mode   string
	StopAt map[string]struct{}
	Custom CustomToolUseFunc
}

// RunLLMAgain builds the default behavior: keep looping.
func RunLLMAgain() ToolUseBehavior {
	return ToolUseBehavior{Mode: ToolUseRunLLMAgain}
}

// StopOnFirstTool builds the behavior that finishes on the first tool result.
func StopOnFirstTool() ToolUseBehavior {
	return ToolUseBehavior{Mode: ToolUseStopOnFirstTool}
}

// StopAtToolNames builds the behavior that finishes on the first result
// whose tool name is listed.
func StopAtToolNames(names ...string) ToolUseBehavior {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return ToolUseBehavior{Mode: ToolUseStopAtToolNames, StopAt: set}
}

// CustomToolUse builds the behavior that delegates to fn.
func CustomToolUse(fn CustomToolUseFunc) ToolUseBehavior {
	return ToolUseBehavior{Mode: ToolUseCustom, Custom: fn}
}

// Agent describes the agent a run executes as.
type Agent struct {
	Name     string
	Handoffs []string

	InputGuardrails  []guardrail.Guardrail
	OutputGuardrails []guardrail.Guardrail

	ToolInputGuardrails  []guardrail.ToolGuardrail
	ToolOutputGuardrails []guardrail.ToolGuardrail

	ToolUseBehavior ToolUseBehavior

	// ResetToolChoice drops a pinned tool_choice from the turn options once
	// tool results exist, so the next turn is free to answer.
	ResetToolChoice bool
}

// toolUseDecision applies the agent's tool-use behavior to one turn's
// results.
func (a *Agent) toolUseDecision(rc *RunConfig, results []tool.CallResult) (bool, any, error) {
	if len(results) == 0 {
		return false, nil, nil
	}
	switch a.ToolUseBehavior.Mode {
	case "", ToolUseRunLLMAgain:
		return false, nil, nil
	case ToolUseStopOnFirstTool:
		return true, results[0].Output, nil
	case ToolUseStopAtToolNames:
		for _, r := range results {
			if _, ok := a.ToolUseBehavior.StopAt[r.ToolName]; ok {
				return true, r.Output, nil
			}
		}
		return false, nil, nil
	case ToolUseCustom:
		if a.ToolUseBehavior.Custom == nil {
			return false, nil, runerr.New(runerr.KindInvalidToolUseBehavior,
				"custom tool-use behavior without a function")
		}
		decision, err := a.ToolUseBehavior.Custom(&ToolUseContext{Agent: a, RunConfig: rc}, results)
		if err != nil {
			return false, nil, runerr.Wrap(runerr.KindInvalidToolUseBehavior, err)
		}
		return decision.IsFinalOutput, decision.FinalOutput, nil
	default:
		return false, nil, runerr.Newf(runerr.KindInvalidToolUseBehavior,
			"unknown tool-use behavior %q", a.ToolUseBehavior.Mode)
	}
}
