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

// Package appserver runs turns against an engine app server over websocket.
package appserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

const defaultChannelBufferSize = 256

// Transport dials the app server once per turn, sends the turn request as a
// single JSON message and streams event messages back until the turn ends.
type Transport struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	bufSize int

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// Option configures the app-server transport.
type Option func(*Transport)

// WithHeader sets extra headers sent on the websocket handshake.
func WithHeader(header http.Header) Option {
	return func(t *Transport) {
		t.header = header
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithChannelBufferSize sets the event channel buffer size.
func WithChannelBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufSize = n
		}
	}
}

// New creates an app-server transport for the given websocket URL.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:     url,
		dialer:  websocket.DefaultDialer,
		bufSize: defaultChannelBufferSize,
		conns:   make(map[string]*websocket.Conn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Canceler = (*Transport)(nil)

// RunTurn executes one turn and collects its full event sequence.
func (t *Transport) RunTurn(ctx context.Context, th *thread.Thread, input any, opts *transport.TurnOptions) (*transport.TurnResult, error) {
	ch, err := t.RunTurnStreamed(ctx, th, input, opts)
	if err != nil {
		return nil, err
	}
	var events []*event.Event
	var usage map[string]any
	for ev := range ch {
		events = append(events, ev)
		if ev.Kind == event.KindTurnCompleted && ev.Usage != nil {
			usage = ev.Usage
		}
	}
	if len(events) == 0 {
		return nil, runerr.New(runerr.KindInvalidTransport, "app server produced no events")
	}
	return &transport.TurnResult{Events: events, Usage: usage}, nil
}

// RunTurnStreamed executes one turn and streams its events.
func (t *Transport) RunTurnStreamed(ctx context.Context, th *thread.Thread, input any, opts *transport.TurnOptions) (<-chan *event.Event, error) {
	if opts == nil {
		opts = &transport.TurnOptions{}
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindInvalidTransport, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err := conn.WriteJSON(transport.Request(th, input, opts)); err != nil {
		conn.Close()
		return nil, runerr.Wrap(runerr.KindInvalidTransport, err)
	}
	t.register(opts.CancellationToken, conn)

	ch := make(chan *event.Event, t.bufSize)
	go t.readEvents(ctx, conn, opts, ch)
	return ch, nil
}

func (t *Transport) readEvents(ctx context.Context, conn *websocket.Conn, opts *transport.TurnOptions, ch chan<- *event.Event) {
	defer close(ch)
	defer t.deregister(opts.CancellationToken)
	defer conn.Close()

	idle := time.Duration(opts.StreamIdleTimeoutMS) * time.Millisecond
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case ch <- &event.Event{
				Kind: event.KindTurnFailed,
				Err:  map[string]any{"message": err.Error(), "type": "invalid_transport"},
			}:
			case <-ctx.Done():
			}
			return
		}
		ev, perr := event.Parse(data)
		if perr != nil {
			log.Errorf("Failed to parse app server event: %v", perr)
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

// CancelTurn asks the app server to cancel the turn registered under the
// token, then drops the connection.
func (t *Transport) CancelTurn(token string) error {
	t.mu.Lock()
	conn, ok := t.conns[token]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	// Best effort: the read loop terminates on close either way.
	_ = conn.WriteJSON(map[string]any{
		"type":               "turn.cancel",
		"cancellation_token": token,
	})
	return conn.Close()
}

func (t *Transport) register(token string, conn *websocket.Conn) {
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[token] = conn
}

func (t *Transport) deregister(token string) {
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, token)
}
