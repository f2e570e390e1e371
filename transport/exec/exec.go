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

// Package exec runs turns against an engine subprocess speaking JSON lines.
package exec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-codex-go/event"
	"trpc.group/trpc-go/trpc-codex-go/log"
	"trpc.group/trpc-go/trpc-codex-go/runerr"
	"trpc.group/trpc-go/trpc-codex-go/thread"
	"trpc.group/trpc-go/trpc-codex-go/transport"
)

const (
	defaultChannelBufferSize = 256
	// maxEventLine bounds a single JSON-lines event.
	maxEventLine = 8 << 20
)

// Transport spawns the engine binary once per turn, writes the turn request
// on stdin and streams JSON-lines events from stdout.
type Transport struct {
	command string
	args    []string
	dir     string
	bufSize int

	mu    sync.Mutex
	procs map[string]*osexec.Cmd
}

// Option configures the exec transport.
type Option func(*Transport)

// WithArgs sets extra arguments passed to the engine binary.
func WithArgs(args ...string) Option {
	return func(t *Transport) {
		t.args = args
	}
}

// WithDir sets the working directory of the engine process.
func WithDir(dir string) Option {
	return func(t *Transport) {
		t.dir = dir
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

// New creates an exec transport for the given engine binary.
func New(command string, opts ...Option) *Transport {
	t := &Transport{
		command: command,
		bufSize: defaultChannelBufferSize,
		procs:   make(map[string]*osexec.Cmd),
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
		return nil, runerr.New(runerr.KindExecFailed, "engine produced no events")
	}
	return &transport.TurnResult{Events: events, Usage: usage}, nil
}

// RunTurnStreamed executes one turn and streams its events.
func (t *Transport) RunTurnStreamed(ctx context.Context, th *thread.Thread, input any, opts *transport.TurnOptions) (<-chan *event.Event, error) {
	if opts == nil {
		opts = &transport.TurnOptions{}
	}
	cancel := context.CancelFunc(func() {})
	if opts.TimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
	}

	request, err := json.Marshal(transport.Request(th, input, opts))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	cmd := osexec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = t.dir
	cmd.Env = buildEnv(opts)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, runerr.Wrap(runerr.KindExecFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, runerr.Wrap(runerr.KindExecFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, runerr.Wrap(runerr.KindExecFailed, err)
	}
	t.register(opts.CancellationToken, cmd)

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(append(request, '\n')); err != nil {
			log.Debugf("Failed to write turn request to engine: %v", err)
		}
	}()

	ch := make(chan *event.Event, t.bufSize)
	go func() {
		defer cancel()
		t.readEvents(ctx, cmd, stdout, &stderr, opts, ch)
	}()
	return ch, nil
}

func (t *Transport) readEvents(
	ctx context.Context,
	cmd *osexec.Cmd,
	stdout io.Reader,
	stderr *bytes.Buffer,
	opts *transport.TurnOptions,
	ch chan<- *event.Event,
) {
	defer close(ch)
	defer t.deregister(opts.CancellationToken)

	var watchdog *time.Timer
	idle := time.Duration(opts.StreamIdleTimeoutMS) * time.Millisecond
	if idle > 0 {
		watchdog = time.AfterFunc(idle, func() {
			log.Warnf("Engine stream idle for %v, killing process", idle)
			_ = cmd.Process.Kill()
		})
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	terminal := false
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := event.Parse(line)
		if err != nil {
			log.Errorf("Failed to parse engine event: %v", err)
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return
		}
		if ev.Terminal() {
			terminal = true
			break
		}
	}

	waitErr := cmd.Wait()
	if terminal {
		return
	}
	// The engine went away without finishing the turn; surface whatever it
	// left on stderr as a turn failure so the run loop can classify it.
	msg := strings.TrimSpace(stderr.String())
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" && scanner.Err() != nil {
		msg = scanner.Err().Error()
	}
	if msg == "" {
		msg = "engine exited before completing the turn"
	}
	select {
	case ch <- &event.Event{Kind: event.KindTurnFailed, Err: map[string]any{"message": msg, "type": "exec_failed"}}:
	case <-ctx.Done():
	}
}

// CancelTurn kills the engine process registered under the token.
func (t *Transport) CancelTurn(token string) error {
	t.mu.Lock()
	cmd, ok := t.procs[token]
	t.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (t *Transport) register(token string, cmd *osexec.Cmd) {
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[token] = cmd
}

func (t *Transport) deregister(token string) {
	if token == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, token)
}

func buildEnv(opts *transport.TurnOptions) []string {
	var env []string
	if !opts.ClearEnv {
		env = os.Environ()
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}
