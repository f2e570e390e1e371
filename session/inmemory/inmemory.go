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

// Package inmemory provides an in-memory session service implementation.
package inmemory

import (
	"context"
	"sync"

	"trpc.group/trpc-go/trpc-codex-go/session"
)

const defaultEntryLimit = 100

var _ session.Service = (*Service)(nil)

// Service keeps histories in process memory. Intended for tests and
// single-process deployments.
type Service struct {
	mu      sync.RWMutex
	entries map[session.Key][]session.Entry
	opts    serviceOpts
}

type serviceOpts struct {
	entryLimit int
}

// ServiceOpt configures the in-memory session service.
type ServiceOpt func(*serviceOpts)

// WithEntryLimit caps the number of entries kept per key; older entries are
// dropped first.
func WithEntryLimit(limit int) ServiceOpt {
	return func(o *serviceOpts) {
		if limit > 0 {
			o.entryLimit = limit
		}
	}
}

// NewService creates a new in-memory session service.
func NewService(options ...ServiceOpt) *Service {
	opts := serviceOpts{entryLimit: defaultEntryLimit}
	for _, option := range options {
		option(&opts)
	}
	return &Service{
		entries: make(map[session.Key][]session.Entry),
		opts:    opts,
	}
}

// Load returns the history for the key, oldest first.
func (s *Service) Load(_ context.Context, key session.Key) ([]session.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.entries[key]
	out := make([]session.Entry, len(history))
	copy(out, history)
	return out, nil
}

// Append adds one entry to the key's history.
func (s *Service) Append(_ context.Context, key session.Key, entry session.Entry) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.entries[key], entry)
	if over := len(history) - s.opts.entryLimit; over > 0 {
		history = history[over:]
	}
	s.entries[key] = history
	return nil
}

// Delete drops the key's history.
func (s *Service) Delete(_ context.Context, key session.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
