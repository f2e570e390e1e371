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

package guardrail

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-codex-go/log"
)

// Result is the aggregated outcome of a tool guardrail list. An absorbed
// rejection (reject_content behavior) surfaces here instead of failing the
// run.
type Result struct {
	Status  Status
	Message string
}

// Run evaluates a plain guardrail list over the payload. Sequential
// guardrails run first, stopping at the first non-OK; parallel guardrails
// then run concurrently with the first non-OK in input order winning. Any
// non-OK outcome is an error for plain guardrails: a rejection keeps type
// reject unless the guardrail's behavior is raise_exception, everything
// else trips.
func Run(ctx context.Context, stage Stage, list []Guardrail, payload any, gctx *Context, hook Hook) error {
	entries := make([]entry, 0, len(list))
	for _, g := range list {
		g := g
		entries = append(entries, entry{
			name:     g.Name,
			parallel: g.RunInParallel,
			behavior: g.Behavior,
			run:      func(ctx context.Context) Outcome { return g.Run(ctx, payload, gctx) },
		})
	}
	name, behavior, outcome, err := evaluate(ctx, stage, entries, hook)
	if err != nil {
		return err
	}
	if outcome.Status == StatusOK {
		return nil
	}
	return failure(stage, name, behavior, outcome)
}

// RunTool evaluates a tool guardrail list. A rejection from a guardrail with
// reject_content behavior is absorbed into the Result; everything else
// matches Run.
func RunTool(ctx context.Context, stage Stage, list []ToolGuardrail, payload any, gctx *Context, hook Hook) (Result, error) {
	entries := make([]entry, 0, len(list))
	for _, g := range list {
		g := g
		entries = append(entries, entry{
			name:     g.Name,
			parallel: g.RunInParallel,
			behavior: g.Behavior,
			run:      func(ctx context.Context) Outcome { return g.Run(ctx, gctx.Event, payload, gctx) },
		})
	}
	name, behavior, outcome, err := evaluate(ctx, stage, entries, hook)
	if err != nil {
		return Result{}, err
	}
	switch {
	case outcome.Status == StatusOK:
		return Result{Status: StatusOK}, nil
	case outcome.Status == StatusReject && behavior != BehaviorRaiseException:
		return Result{Status: StatusReject, Message: outcome.Message}, nil
	default:
		return Result{}, failure(stage, name, behavior, outcome)
	}
}

type entry struct {
	name     string
	parallel bool
	behavior Behavior
	run      func(context.Context) Outcome
}

// evaluate runs the sequential entries in order, then the parallel entries
// concurrently, and returns the winning non-OK outcome (or OK). A hook panic
// converts into a tripwire error tagged with the stage.
func evaluate(ctx context.Context, stage Stage, entries []entry, hook Hook) (string, Behavior, Outcome, error) {
	var parallel []int
	for i, e := range entries {
		if e.parallel {
			parallel = append(parallel, i)
			continue
		}
		outcome := e.run(ctx)
		if err := notify(stage, e.name, outcome, hook); err != nil {
			return "", "", Outcome{}, err
		}
		if outcome.Status != StatusOK {
			return e.name, e.behavior, outcome, nil
		}
	}
	if len(parallel) == 0 {
		return "", "", OK(), nil
	}

	outcomes := runParallel(ctx, entries, parallel)

	// Report and pick the winner in input order.
	winner := -1
	for pos, idx := range parallel {
		name := entries[idx].name
		if outcomes[pos].crashed {
			name = ParallelGuardrailName
		}
		if err := notify(stage, name, outcomes[pos].outcome, hook); err != nil {
			return "", "", Outcome{}, err
		}
		if winner < 0 && outcomes[pos].outcome.Status != StatusOK {
			winner = pos
		}
	}
	if winner < 0 {
		return "", "", OK(), nil
	}
	idx := parallel[winner]
	if outcomes[winner].crashed {
		return ParallelGuardrailName, BehaviorRaiseException, outcomes[winner].outcome, nil
	}
	return entries[idx].name, entries[idx].behavior, outcomes[winner].outcome, nil
}

type parallelOutcome struct {
	outcome Outcome
	crashed bool
}

func runParallel(ctx context.Context, entries []entry, parallel []int) []parallelOutcome {
	outcomes := make([]parallelOutcome, len(parallel))
	pool, err := ants.NewPool(len(parallel))
	if err != nil {
		// Pool creation failing degrades to sequential execution.
		log.Errorf("Failed to create guardrail pool, running inline: %v", err)
		for pos, idx := range parallel {
			outcomes[pos] = guarded(ctx, entries[idx])
		}
		return outcomes
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for pos, idx := range parallel {
		pos, idx := pos, idx
		wg.Add(1)
		if submitErr := pool.Submit(func() {
			defer wg.Done()
			outcomes[pos] = guarded(ctx, entries[idx])
		}); submitErr != nil {
			wg.Done()
			outcomes[pos] = guarded(ctx, entries[idx])
		}
	}
	wg.Wait()
	return outcomes
}

// guarded runs one entry, converting a panic into a synthetic tripwire.
func guarded(ctx context.Context, e entry) (out parallelOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = parallelOutcome{
				outcome: Tripwire(fmt.Sprintf("%v", r)),
				crashed: true,
			}
		}
	}()
	return parallelOutcome{outcome: e.run(ctx)}
}

// notify invokes the hook without letting it crash the run; a panicking hook
// yields a tripwire error tagged with the stage.
func notify(stage Stage, name string, outcome Outcome, hook Hook) (err error) {
	if hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &Error{
				Stage:     stage,
				Guardrail: name,
				Message:   fmt.Sprintf("guardrail hook panicked: %v", r),
				Type:      StatusTripwire,
			}
		}
	}()
	hook(stage, name, outcome.Status, outcome.Message)
	return nil
}

func failure(stage Stage, name string, behavior Behavior, outcome Outcome) *Error {
	typ := StatusTripwire
	if outcome.Status == StatusReject && behavior != BehaviorRaiseException {
		typ = StatusReject
	}
	return &Error{Stage: stage, Guardrail: name, Message: outcome.Message, Type: typ}
}
