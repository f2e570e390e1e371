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

// Package redis provides a redis-backed session service implementation.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-codex-go/session"
)

const (
	defaultEntryLimit = 1000
	keyPrefix         = "codex:session:"
)

var _ session.Service = (*Service)(nil)

// Service stores each history as a redis list of JSON-encoded entries.
type Service struct {
	client redis.UniversalClient
	opts   serviceOpts
}

type serviceOpts struct {
	entryLimit int
	ttl        time.Duration
}

// ServiceOpt configures the redis session service.
type ServiceOpt func(*serviceOpts)

// WithEntryLimit caps the number of entries kept per key; older entries are
// trimmed first.
func WithEntryLimit(limit int) ServiceOpt {
	return func(o *serviceOpts) {
		if limit > 0 {
			o.entryLimit = limit
		}
	}
}

// WithTTL expires idle histories after the given duration.
func WithTTL(ttl time.Duration) ServiceOpt {
	return func(o *serviceOpts) {
		o.ttl = ttl
	}
}

// NewService creates a redis session service on an existing client.
func NewService(client redis.UniversalClient, options ...ServiceOpt) *Service {
	opts := serviceOpts{entryLimit: defaultEntryLimit}
	for _, option := range options {
		option(&opts)
	}
	return &Service{client: client, opts: opts}
}

// Load returns the history for the key, oldest first.
func (s *Service) Load(ctx context.Context, key session.Key) ([]session.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, redisKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key.SessionID, err)
	}
	entries := make([]session.Entry, 0, len(raw))
	for _, item := range raw {
		var e session.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode session entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append adds one entry to the key's history and trims it to the limit.
func (s *Service) Append(ctx context.Context, key session.Key, entry session.Entry) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode session entry: %w", err)
	}
	k := redisKey(key)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	pipe.LTrim(ctx, k, int64(-s.opts.entryLimit), -1)
	if s.opts.ttl > 0 {
		pipe.Expire(ctx, k, s.opts.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session %s: %w", key.SessionID, err)
	}
	return nil
}

// Delete drops the key's history.
func (s *Service) Delete(ctx context.Context, key session.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", key.SessionID, err)
	}
	return nil
}

func redisKey(key session.Key) string {
	if key.UserID == "" {
		return keyPrefix + key.SessionID
	}
	return keyPrefix + key.UserID + ":" + key.SessionID
}
