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
	"time"

	"trpc.group/trpc-go/trpc-codex-go/tool"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

// Options are the per-run options.
type Options struct {
	agent       *Agent
	runConfig   *RunConfig
	maxTurns    int
	turnOptions *transport.TurnOptions
	backoff     func(attempt int)
	tools       *tool.Registry
}

// Option configures one run.
type Option func(*Options)

// WithAgent sets the agent the run executes as.
func WithAgent(a *Agent) Option {
	return func(o *Options) {
		o.agent = a
	}
}

// WithRunConfig sets the run configuration.
func WithRunConfig(rc *RunConfig) Option {
	return func(o *Options) {
		o.runConfig = rc
	}
}

// WithMaxTurns overrides the run config's turn bound.
func WithMaxTurns(n int) Option {
	return func(o *Options) {
		o.maxTurns = n
	}
}

// WithTurnOptions sets the per-turn options forwarded to the transport.
func WithTurnOptions(opts *transport.TurnOptions) Option {
	return func(o *Options) {
		o.turnOptions = opts
	}
}

// WithBackoff replaces the inter-turn backoff. The function receives the
// attempt number that just finished and blocks for the desired delay.
func WithBackoff(fn func(attempt int)) Option {
	return func(o *Options) {
		o.backoff = fn
	}
}

// WithTools overrides the tool registry for this run.
func WithTools(r *tool.Registry) Option {
	return func(o *Options) {
		o.tools = r
	}
}

// defaultBackoff sleeps 100ms * 2^(attempt-1).
func defaultBackoff(attempt int) {
	if attempt < 1 {
		attempt = 1
	}
	time.Sleep(100 * time.Millisecond << (attempt - 1))
}
