// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("aleutian.fstx.transaction")

// Metric instruments for transaction operations.
var (
	beginTotal          metric.Int64Counter
	commitTotal         metric.Int64Counter
	rollbackTotal       metric.Int64Counter
	transactionDuration metric.Float64Histogram
	operationsApplied   metric.Int64Histogram
	pendingGauge        metric.Int64UpDownCounter
	fileOpDuration      metric.Float64Histogram
	fileOpErrors        metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
// Set by the Manager on initialization.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		beginTotal, err = meter.Int64Counter(
			"fstx_transaction_begin_total",
			metric.WithDescription("Total number of transactions begun"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"fstx_transaction_commit_total",
			metric.WithDescription("Total number of transaction commit attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"fstx_transaction_rollback_total",
			metric.WithDescription("Total number of transaction rollback attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"fstx_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationsApplied, err = meter.Int64Histogram(
			"fstx_transaction_operations_applied",
			metric.WithDescription("Number of operations applied per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pendingGauge, err = meter.Int64UpDownCounter(
			"fstx_transaction_pending",
			metric.WithDescription("Number of transactions currently pending"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileOpDuration, err = meter.Float64Histogram(
			"fstx_file_operation_duration_seconds",
			metric.WithDescription("Duration of individual file operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fileOpErrors, err = meter.Int64Counter(
			"fstx_file_operation_errors_total",
			metric.WithDescription("Total number of file operation errors"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBegin records a transaction begin.
func recordBegin(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	beginTotal.Add(ctx, 1)
	pendingGauge.Add(ctx, 1)
}

// recordCommit records a transaction commit attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was active.
//   - ops: Number of operations applied.
//   - success: Whether the commit succeeded.
func recordCommit(ctx context.Context, duration time.Duration, ops int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	commitTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsApplied.Record(ctx, int64(ops), attrs)
	pendingGauge.Add(ctx, -1)
}

// recordRollback records a transaction rollback attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was active.
//   - ops: Number of operations the transaction held.
//   - success: Whether every compensation succeeded.
func recordRollback(ctx context.Context, duration time.Duration, ops int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	rollbackTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsApplied.Record(ctx, int64(ops), attrs)
}

// recordFileOp records one file operation within a commit.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - kind: The operation kind (create, update, delete).
//   - duration: How long the operation took.
//   - opErr: Error if the operation failed (nil on success).
func recordFileOp(ctx context.Context, kind OperationKind, duration time.Duration, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))

	fileOpDuration.Record(ctx, duration.Seconds(), attrs)

	if opErr != nil {
		fileOpErrors.Add(ctx, 1, attrs)
	}
}
