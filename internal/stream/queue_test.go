//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/runerr"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue[int](4)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for want := 1; want <= 3; want++ {
		got, err := q.Pop(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestQueueCleanCloseDrainsThenDone(t *testing.T) {
	q := NewQueue[string](4)
	q.Push("a")
	q.Close(nil)

	got, err := q.Pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	_, err = q.Pop(time.Second)
	assert.ErrorIs(t, err, ErrDone)
	assert.NoError(t, q.Err())
}

func TestQueueErrorClose(t *testing.T) {
	q := NewQueue[string](4)
	boom := errors.New("boom")
	q.Close(boom)

	_, err := q.Pop(time.Second)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, q.Err(), boom)
}

func TestQueueFirstCloseWins(t *testing.T) {
	q := NewQueue[string](4)
	q.Close(nil)
	q.Close(errors.New("late"))
	_, err := q.Pop(time.Second)
	assert.ErrorIs(t, err, ErrDone)
}

func TestQueuePushAfterCloseIsDropped(t *testing.T) {
	q := NewQueue[string](4)
	q.Close(nil)
	q.Push("late")
	_, err := q.Pop(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDone)
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue[string](4)
	start := time.Now()
	_, err := q.Pop(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrPopTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestQueueBlockedPushUnblocksOnClose(t *testing.T) {
	q := NewQueue[int](1)
	q.Push(1)

	done := make(chan struct{})
	go func() {
		q.Push(2) // full queue, blocks
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock on close")
	}
}

func TestControlCancelBeforeStartSkipsProducer(t *testing.T) {
	q := NewQueue[int](4)
	c := NewControl()
	c.AttachQueue(q)
	c.Cancel(CancelImmediate)

	started := false
	c.StartIfNeeded(context.Background(), func(ctx context.Context) {
		started = true
	})

	assert.False(t, started)
	_, err := q.Pop(time.Second)
	assert.ErrorIs(t, err, ErrDone)
}

func TestControlStartIsIdempotent(t *testing.T) {
	q := NewQueue[int](4)
	c := NewControl()
	c.AttachQueue(q)

	runs := make(chan struct{}, 2)
	produce := func(ctx context.Context) {
		runs <- struct{}{}
		q.Close(nil)
	}
	c.StartIfNeeded(context.Background(), produce)
	c.StartIfNeeded(context.Background(), produce)

	_, err := q.Pop(time.Second)
	assert.ErrorIs(t, err, ErrDone)
	assert.Len(t, runs, 1)
}

func TestControlCancelImmediateClosesQueueAndCallsHandler(t *testing.T) {
	q := NewQueue[int](4)
	c := NewControl()
	c.AttachQueue(q)

	var gotMode CancelMode
	c.SetCancelHandler(func(mode CancelMode) {
		gotMode = mode
	})

	release := make(chan struct{})
	c.StartIfNeeded(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(release)
	})
	c.Cancel(CancelImmediate)

	assert.Equal(t, CancelImmediate, gotMode)
	_, err := q.Pop(time.Second)
	assert.ErrorIs(t, err, ErrDone)
	select {
	case <-release:
	case <-time.After(time.Second):
		t.Fatal("producer context was not cancelled")
	}
}

func TestControlCancelIsRecordedOnce(t *testing.T) {
	c := NewControl()
	calls := 0
	c.SetCancelHandler(func(CancelMode) { calls++ })
	c.Cancel(CancelAfterTurn)
	c.Cancel(CancelImmediate)
	assert.Equal(t, CancelAfterTurn, c.Mode())
	assert.Equal(t, 1, calls)
}

func TestControlProducerPanicClosesWithError(t *testing.T) {
	q := NewQueue[int](4)
	c := NewControl()
	c.AttachQueue(q)
	c.StartIfNeeded(context.Background(), func(ctx context.Context) {
		panic("producer exploded")
	})

	_, err := q.Pop(time.Second)
	require.Error(t, err)
	assert.True(t, runerr.IsKind(err, runerr.KindException))
}

func TestControlUsageSnapshot(t *testing.T) {
	c := NewControl()
	assert.Nil(t, c.Usage())
	c.PutUsage(map[string]any{"input_tokens": int64(3)})
	assert.Equal(t, int64(3), c.Usage()["input_tokens"])
}
