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

package stream

import (
	"context"
	"sync"

	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
)

// CancelMode is the requested stream cancellation behavior.
type CancelMode string

// Cancel modes.
const (
	CancelNone      CancelMode = ""
	CancelImmediate CancelMode = "immediate"
	CancelAfterTurn CancelMode = "after_turn"
)

// queueCloser is the queue surface the control needs; it stays type-agnostic
// so one Control serves any queue element type.
type queueCloser interface {
	Close(err error)
}

// Control owns the lifecycle of one streaming run: lazy producer start,
// cancellation, and the usage snapshot.
type Control struct {
	mu            sync.Mutex
	started       bool
	queue         queueCloser
	cancel        CancelMode
	cancelHandler func(CancelMode)
	producerStop  context.CancelFunc
	usage         map[string]any
}

// NewControl creates an idle control.
func NewControl() *Control {
	return &Control{}
}

// AttachQueue binds the queue whose lifecycle this control owns.
func (c *Control) AttachQueue(q queueCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
}

// SetCancelHandler registers the side effect invoked once on cancellation
// (e.g. the transport's out-of-band cancel).
func (c *Control) SetCancelHandler(fn func(CancelMode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelHandler = fn
}

// StartIfNeeded starts the producer exactly once. An immediate cancellation
// that arrived before the first consumer touch skips the producer entirely
// and closes the queue; an after-turn cancellation still starts it. The producer wrapper closes the queue on panic so a
// crashing driver can never strand the consumer.
func (c *Control) StartIfNeeded(ctx context.Context, produce func(ctx context.Context)) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	if c.cancel == CancelImmediate {
		q := c.queue
		c.mu.Unlock()
		if q != nil {
			q.Close(nil)
		}
		return
	}
	ctx, stop := context.WithCancel(ctx)
	c.producerStop = stop
	q := c.queue
	c.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Stream producer panicked: %v", r)
				if q != nil {
					q.Close(runerr.Newf(runerr.KindException, "stream producer panicked: %v", r))
				}
				return
			}
			// Normal-return safety net; a no-op when the producer already
			// closed the queue itself.
			if q != nil {
				q.Close(nil)
			}
		}()
		produce(ctx)
	}()
}

// Cancel records the cancel mode and invokes the cancel handler once,
// best-effort. Immediate cancellation also closes the queue and stops the
// producer.
func (c *Control) Cancel(mode CancelMode) {
	if mode != CancelImmediate && mode != CancelAfterTurn {
		return
	}
	c.mu.Lock()
	if c.cancel != CancelNone {
		c.mu.Unlock()
		return
	}
	c.cancel = mode
	handler := c.cancelHandler
	q := c.queue
	stop := c.producerStop
	c.mu.Unlock()

	if handler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Cancel handler panicked: %v", r)
				}
			}()
			handler(mode)
		}()
	}
	if mode == CancelImmediate {
		if q != nil {
			q.Close(nil)
		}
		if stop != nil {
			stop()
		}
	}
}

// Mode returns the recorded cancel mode.
func (c *Control) Mode() CancelMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

// PutUsage stores the latest usage snapshot.
func (c *Control) PutUsage(usage map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = usage
}

// Usage returns the latest usage snapshot.
func (c *Control) Usage() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Started reports whether the producer was started (or skipped due to an
// early immediate cancel).
func (c *Control) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
