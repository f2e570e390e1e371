//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-codex-go/log"
)

// Approval decision outcomes recorded on the approval counters.
const (
	ApprovalOutcomeApproved = "approved"
	ApprovalOutcomeDenied   = "denied"
	ApprovalOutcomeTimeout  = "timeout"
)

var (
	approvalMu        sync.Mutex
	approvalRequested metric.Int64Counter
	approvalDecided   metric.Int64Counter
	approvalDuration  metric.Float64Histogram
)

func init() {
	initApprovalInstruments()
}

// initApprovalInstruments (re)creates the approval instruments from the
// current global Meter. Called again after Start swaps the Meter.
func initApprovalInstruments() {
	approvalMu.Lock()
	defer approvalMu.Unlock()

	var err error
	if approvalRequested, err = Meter.Int64Counter(
		"approval.requested",
		metric.WithDescription("Number of tool approval requests dispatched."),
	); err != nil {
		log.Errorf("Failed to create approval.requested counter: %v", err)
	}
	if approvalDecided, err = Meter.Int64Counter(
		"approval.decided",
		metric.WithDescription("Number of tool approval decisions, by outcome."),
	); err != nil {
		log.Errorf("Failed to create approval.decided counter: %v", err)
	}
	if approvalDuration, err = Meter.Float64Histogram(
		"approval.duration",
		metric.WithDescription("Tool approval decision latency in seconds."),
		metric.WithUnit("s"),
	); err != nil {
		log.Errorf("Failed to create approval.duration histogram: %v", err)
	}
}

// RecordApprovalRequested records an approval dispatch for the given tool.
func RecordApprovalRequested(ctx context.Context, toolName string) {
	approvalMu.Lock()
	counter := approvalRequested
	approvalMu.Unlock()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool.name", toolName)))
}

// RecordApprovalDecision records the outcome and latency of an approval review.
func RecordApprovalDecision(ctx context.Context, toolName, outcome string, elapsed time.Duration) {
	approvalMu.Lock()
	counter, hist := approvalDecided, approvalDuration
	approvalMu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("outcome", outcome),
	)
	if counter != nil {
		counter.Add(ctx, 1, attrs)
	}
	if hist != nil {
		hist.Record(ctx, elapsed.Seconds(), attrs)
	}
}
