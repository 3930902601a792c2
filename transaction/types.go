// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction groups file mutations into atomic, reversible units.
//
// A Transaction collects ordered file operations, applies them as a unit on
// Commit, and can reverse a committed unit on Rollback. Before any existing
// file is overwritten or removed, its content is preserved through a backup
// store; reversal replays recorded compensating actions in reverse insertion
// order, so later writes to a path are undone before earlier ones.
package transaction

import (
	"time"

	"github.com/AleutianAI/fstx/rollback"
)

// =============================================================================
// Operations
// =============================================================================

// OperationKind identifies what a file operation does to its target.
type OperationKind string

const (
	// OpCreate writes a new file. The target must not already exist.
	OpCreate OperationKind = "create"

	// OpUpdate overwrites a file's content. An absent target is treated as
	// a creation for rollback purposes.
	OpUpdate OperationKind = "update"

	// OpDelete removes a file. Deleting an absent target is a no-op.
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is one ordered file mutation within a transaction.
type Operation struct {
	// Kind selects the mutation.
	Kind OperationKind `json:"kind"`

	// Path is the resolved absolute target path.
	Path string `json:"path"`

	// Content is the bytes to write for OpCreate and OpUpdate.
	Content []byte `json:"content,omitempty"`

	// Checksum optionally pins the expected SHA-256 (hex) of the target's
	// current content. Checked when the operation is added; a stale target
	// rejects the operation before anything is mutated.
	Checksum string `json:"checksum,omitempty"`

	// BackupRef locates the content preserved before this operation was
	// applied. Empty until commit captures a backup, and stays empty when
	// there was nothing to preserve.
	BackupRef string `json:"backup_ref,omitempty"`

	// Mode is the file mode applied on write. Zero selects 0644.
	Mode uint32 `json:"mode,omitempty"`
}

// =============================================================================
// Transaction State
// =============================================================================

// Status represents the lifecycle state of a transaction.
type Status string

const (
	// StatusPending means the transaction is collecting operations.
	StatusPending Status = "pending"

	// StatusCommitted means all operations were applied.
	StatusCommitted Status = "committed"

	// StatusRolledBack means compensations were replayed, either after an
	// explicit rollback or after a mid-commit failure.
	StatusRolledBack Status = "rolled_back"
)

// Transaction is one atomic unit of file mutations.
//
// # Description
//
// Collects ordered operations while pending. During commit, each applied
// operation records the compensating action that reverses it; those actions
// are replayed newest-first on rollback. The struct round-trips through JSON
// so committed transactions survive process restarts.
//
// # Ownership
//
// Managed exclusively by a Manager. Callers receive copies.
type Transaction struct {
	// ID uniquely identifies the transaction.
	ID string `json:"id"`

	// StartedAt is when Begin created the transaction.
	StartedAt time.Time `json:"started_at"`

	// CommittedAt is when Commit finished, zero while pending.
	CommittedAt time.Time `json:"committed_at,omitzero"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Operations are the ordered mutations, in insertion order.
	Operations []Operation `json:"operations"`

	// Compensations reverse the applied operations. Recorded in apply
	// order; replayed in reverse.
	Compensations []rollback.Action `json:"compensations,omitempty"`

	// Error holds the failure message if commit or rollback went wrong.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the transaction has been or was active.
func (t *Transaction) Duration() time.Duration {
	if !t.CommittedAt.IsZero() {
		return t.CommittedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// OperationCount returns the number of collected operations.
func (t *Transaction) OperationCount() int {
	return len(t.Operations)
}

// clone returns a deep copy safe to hand outside the manager's lock.
func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Operations = make([]Operation, len(t.Operations))
	copy(cp.Operations, t.Operations)
	cp.Compensations = make([]rollback.Action, len(t.Compensations))
	copy(cp.Compensations, t.Compensations)
	return &cp
}

// =============================================================================
// Results and Configuration
// =============================================================================

// Result summarizes a completed commit or rollback.
type Result struct {
	// TransactionID identifies the transaction.
	TransactionID string `json:"transaction_id"`

	// Status is the transaction's state after the operation.
	Status Status `json:"status"`

	// Duration is how long the transaction was active.
	Duration time.Duration `json:"duration"`

	// OperationsApplied is how many operations took effect.
	OperationsApplied int `json:"operations_applied"`

	// RollbackReason explains a rollback, empty on commit.
	RollbackReason string `json:"rollback_reason,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// BackupDir holds content backups captured before destructive writes.
	BackupDir string

	// StateDir holds persisted transaction state for crash recovery.
	StateDir string

	// MaxBackupsPerPath bounds retained backups per original path.
	// Zero selects the backup store's default.
	MaxBackupsPerPath int

	// RecoverOnInit reloads persisted committed transactions at startup
	// so they remain reversible after a restart.
	RecoverOnInit bool

	// MetricsEnabled controls metric recording.
	MetricsEnabled bool

	// TracingEnabled controls span creation.
	TracingEnabled bool
}

// DefaultConfig returns a config with sensible defaults.
//
// BackupDir and StateDir still need to be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxBackupsPerPath: 10,
		RecoverOnInit:     true,
		MetricsEnabled:    true,
	}
}
