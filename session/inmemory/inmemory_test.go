//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/session"
)

func TestAppendAndLoad(t *testing.T) {
	svc := NewService()
	key := session.Key{UserID: "u1", SessionID: "s1"}

	require.NoError(t, svc.Append(context.Background(), key, session.Entry{Input: "one"}))
	require.NoError(t, svc.Append(context.Background(), key, session.Entry{Input: "two"}))

	history, err := svc.Load(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Input)
	assert.Equal(t, "two", history[1].Input)
}

func TestLoadMissingKeyIsEmpty(t *testing.T) {
	svc := NewService()
	history, err := svc.Load(context.Background(), session.Key{SessionID: "absent"})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEntryLimitDropsOldest(t *testing.T) {
	svc := NewService(WithEntryLimit(2))
	key := session.Key{SessionID: "s1"}
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Append(context.Background(), key, session.Entry{Input: fmt.Sprintf("e%d", i)}))
	}
	history, err := svc.Load(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e2", history[0].Input)
	assert.Equal(t, "e3", history[1].Input)
}

func TestDelete(t *testing.T) {
	svc := NewService()
	key := session.Key{SessionID: "s1"}
	require.NoError(t, svc.Append(context.Background(), key, session.Entry{Input: "one"}))
	require.NoError(t, svc.Delete(context.Background(), key))
	history, err := svc.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestKeyValidation(t *testing.T) {
	svc := NewService()
	_, err := svc.Load(context.Background(), session.Key{})
	assert.ErrorIs(t, err, session.ErrSessionIDRequired)
	assert.ErrorIs(t, svc.Append(context.Background(), session.Key{}, session.Entry{}), session.ErrSessionIDRequired)
}

func TestLoadReturnsCopy(t *testing.T) {
	svc := NewService()
	key := session.Key{SessionID: "s1"}
	require.NoError(t, svc.Append(context.Background(), key, session.Entry{Input: "one"}))

	history, _ := svc.Load(context.Background(), key)
	history[0].Input = "mutated"

	again, _ := svc.Load(context.Background(), key)
	assert.Equal(t, "one", again[0].Input)
}
