//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package appserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

var upgrader = websocket.Upgrader{}

// fakeServer upgrades, records the turn request, replies with a scripted
// turn and closes.
func fakeServer(t *testing.T, gotRequest *map[string]any, events ...map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if gotRequest != nil {
			*gotRequest = req
		}
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunTurnAgainstServer(t *testing.T) {
	var gotRequest map[string]any
	srv := fakeServer(t, &gotRequest,
		map[string]any{"type": "thread.started", "thread_id": "t1"},
		map[string]any{"type": "turn.completed", "final_response": map[string]any{"type": "text", "text": "hi"}},
	)
	defer srv.Close()

	tr := New(wsURL(srv))
	th := thread.New(thread.TransportAppServer)

	res, err := tr.RunTurn(context.Background(), th, "hello", &transport.TurnOptions{})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, event.KindThreadStarted, res.Events[0].Kind)
	assert.Equal(t, event.KindTurnCompleted, res.Events[1].Kind)

	assert.Equal(t, "turn.run", gotRequest["type"])
	assert.Equal(t, "hello", gotRequest["input"])
}

func TestRunTurnStreamedStopsAtTerminal(t *testing.T) {
	srv := fakeServer(t, nil,
		map[string]any{"type": "turn.started"},
		map[string]any{"type": "turn.continuation", "continuation_token": "cont"},
		map[string]any{"type": "item.started"},
	)
	defer srv.Close()

	tr := New(wsURL(srv))
	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportAppServer), "go", &transport.TurnOptions{})
	require.NoError(t, err)

	var kinds []event.Kind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []event.Kind{event.KindTurnStarted, event.KindTurnContinuation}, kinds)
}

func TestServerGoneYieldsTurnFailed(t *testing.T) {
	srv := fakeServer(t, nil,
		map[string]any{"type": "turn.started"},
	)
	defer srv.Close()

	tr := New(wsURL(srv))
	ch, err := tr.RunTurnStreamed(context.Background(), thread.New(thread.TransportAppServer), "go", &transport.TurnOptions{})
	require.NoError(t, err)

	var last *event.Event
	for ev := range ch {
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, event.KindTurnFailed, last.Kind)
}

func TestDialFailure(t *testing.T) {
	tr := New("ws://127.0.0.1:1/never")
	_, err := tr.RunTurn(context.Background(), thread.New(thread.TransportAppServer), "go", &transport.TurnOptions{})
	assert.Error(t, err)
}
