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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/fstx/backup"
	"github.com/AleutianAI/fstx/pkg/validation"
	"github.com/AleutianAI/fstx/rollback"
)

// Manager provides atomic file operations with backup-based rollback.
//
// # Description
//
// A Manager tracks transactions by ID. Each transaction collects ordered
// operations while pending; Commit applies them in insertion order,
// preserving existing content through the backup store before anything
// destructive happens. A failure mid-commit automatically reverses the
// already-applied operations. A committed transaction can later be reversed
// with Rollback, which replays compensations in reverse insertion order.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Transactions touching
// overlapping paths are not serialized against each other; callers that
// run concurrent transactions over the same files must coordinate.
// actionExecutor replays one compensating action. Satisfied by
// *rollback.Executor; a narrow interface so tests can inject compensation
// failures that are impractical to produce on a real filesystem.
type actionExecutor interface {
	Execute(ctx context.Context, action rollback.Action) (*rollback.ActionResult, error)
}

type Manager struct {
	config       Config
	backups      *backup.Store
	executor     actionExecutor
	transactions map[string]*Transaction
	mu           sync.Mutex
	logger       *slog.Logger
	tracer       *Tracer
}

// NewManager creates a new transaction manager.
//
// # Description
//
// Creates a manager with the specified configuration. If RecoverOnInit
// is true, persisted committed transactions from previous sessions are
// reloaded so they remain reversible; stale pending transactions (which
// never applied anything) are discarded.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Manager: Ready-to-use transaction manager.
//   - error: Non-nil if setup fails.
//
// # Example
//
//	config := transaction.DefaultConfig()
//	config.BackupDir = "/work/.fstx/backups"
//	manager, err := transaction.NewManager(config)
//	if err != nil {
//	    return err
//	}
func NewManager(config Config) (*Manager, error) {
	if config.BackupDir == "" {
		return nil, fmt.Errorf("BackupDir is required")
	}

	absBackupDir, err := filepath.Abs(config.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("resolving backup dir: %w", err)
	}
	config.BackupDir = absBackupDir

	if config.StateDir == "" {
		config.StateDir = filepath.Join(config.BackupDir, "state")
	}
	if config.MaxBackupsPerPath == 0 {
		config.MaxBackupsPerPath = 10
	}

	if err := os.MkdirAll(config.StateDir, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logger := slog.Default().With("component", "transaction.Manager")

	backups, err := backup.NewStore(config.BackupDir, config.MaxBackupsPerPath, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backup store: %w", err)
	}

	SetMetricsEnabled(config.MetricsEnabled)
	tracer := NewTracer(logger, config.TracingEnabled)

	m := &Manager{
		config:       config,
		backups:      backups,
		executor:     rollback.NewExecutor(logger),
		transactions: make(map[string]*Transaction),
		logger:       logger,
		tracer:       tracer,
	}

	if config.RecoverOnInit {
		if err := m.recoverPersisted(); err != nil {
			m.logger.Warn("failed to recover persisted transactions",
				"error", err)
		}
	}

	return m, nil
}

// Backups returns the manager's backup store for read-only inspection.
func (m *Manager) Backups() *backup.Store {
	return m.backups
}

// Begin starts a new pending transaction.
//
// # Description
//
// Creates an empty transaction that collects operations until Commit.
// Multiple transactions may be pending simultaneously; the manager does
// not serialize them against each other.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//
// # Outputs
//
//   - *Transaction: Copy of the new transaction.
//   - error: Non-nil if state persistence fails unrecoverably (never today;
//     persistence failures are logged and tolerated).
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Transaction{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Status:    StatusPending,
	}
	m.transactions[tx.ID] = tx

	if err := m.persistTransaction(tx); err != nil {
		m.logger.Warn("failed to persist transaction state",
			"tx_id", tx.ID,
			"error", err)
	}

	recordBegin(ctx)
	m.logger.Info("transaction started", "tx_id", tx.ID)

	return tx.clone(), nil
}

// AddOperation appends an operation to a pending transaction.
//
// # Description
//
// The operation's path is validated and resolved to an absolute path
// before it is recorded. If the operation pins a checksum, the target's
// current content is hashed and compared immediately; a stale target
// rejects the operation before anything is mutated. Operations apply in
// the order they were added.
//
// # Inputs
//
//   - txID: ID of a pending transaction.
//   - op: The operation to append.
//
// # Outputs
//
//   - error: ErrNotFound, *InvalidStateError if the transaction is not
//     pending, a path validation error, or ErrChecksumMismatch.
func (m *Manager) AddOperation(txID string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if tx.Status != StatusPending {
		return &InvalidStateError{ID: txID, Current: tx.Status, Attempted: "add operation"}
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	resolved, err := validation.ResolvePath(op.Path)
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", op.Path, err)
	}
	op.Path = resolved

	if op.Checksum != "" {
		if err := verifyChecksum(op.Path, op.Checksum); err != nil {
			return err
		}
	}

	tx.Operations = append(tx.Operations, op)

	if err := m.persistTransaction(tx); err != nil {
		m.logger.Warn("failed to persist transaction state",
			"tx_id", tx.ID,
			"error", err)
	}

	m.logger.Debug("operation added",
		"tx_id", txID,
		"kind", op.Kind,
		"path", op.Path,
		"position", len(tx.Operations)-1)

	return nil
}

// Commit applies all collected operations as one atomic unit.
//
// # Description
//
// Operations apply in insertion order. Before an existing file is
// overwritten or removed, its content is captured in the backup store and
// a compensating action is recorded. If any operation fails, the
// already-applied operations are reversed newest-first and the
// transaction moves to rolled back; the returned *CommitError carries the
// original failure plus any compensation failures.
//
// # Inputs
//
//   - ctx: Context for tracing and metrics. File mutations run to
//     completion regardless of ctx.
//   - txID: ID of a pending transaction.
//
// # Outputs
//
//   - *Result: Summary of the committed transaction.
//   - error: ErrNotFound, *InvalidStateError, or *CommitError.
func (m *Manager) Commit(ctx context.Context, txID string) (result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if tx.Status != StatusPending {
		return nil, &InvalidStateError{ID: txID, Current: tx.Status, Attempted: "commit"}
	}

	ctx, span := m.tracer.StartCommit(ctx, tx)
	defer func() { m.tracer.EndCommit(span, result, err) }()

	logger := LoggerWithTrace(ctx, m.logger)

	defer func() {
		recordCommit(ctx, tx.Duration(), len(tx.Compensations), err == nil)
	}()

	// Registered after the metrics defer so it runs first and a recovered
	// panic is recorded as a failed commit, not a success.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Commit: %v", r)
			logger.Error("panic in Commit", "panic", r, "tx_id", txID)
		}
	}()

	logger.Info("committing transaction",
		"tx_id", tx.ID,
		"operations", tx.OperationCount())

	for i := range tx.Operations {
		op := &tx.Operations[i]
		_, opSpan := m.tracer.StartFileOp(ctx, op.Kind, op.Path)
		start := time.Now()
		action, reversible, applyErr := m.applyOperation(op)
		recordFileOp(ctx, op.Kind, time.Since(start), applyErr)
		m.tracer.EndFileOp(opSpan, applyErr)

		if applyErr != nil {
			logger.Error("operation failed, reversing applied operations",
				"tx_id", tx.ID,
				"position", i,
				"path", op.Path,
				"error", applyErr)

			compErrs := m.compensate(ctx, tx.Compensations)

			m.tracer.RecordStateTransition(ctx, tx.ID, StatusPending, StatusRolledBack, time.Since(tx.StartedAt))
			tx.Status = StatusRolledBack
			tx.Error = applyErr.Error()
			_ = m.removePersistedTransaction(tx.ID)

			err = &CommitError{Cause: applyErr, CompensationErrs: compErrs}
			return nil, err
		}

		if reversible {
			tx.Compensations = append(tx.Compensations, action)
		}
	}

	m.tracer.RecordStateTransition(ctx, tx.ID, StatusPending, StatusCommitted, time.Since(tx.StartedAt))
	tx.Status = StatusCommitted
	tx.CommittedAt = time.Now()

	if persistErr := m.persistTransaction(tx); persistErr != nil {
		logger.Warn("failed to persist committed transaction",
			"tx_id", tx.ID,
			"error", persistErr)
	}

	result = &Result{
		TransactionID:     tx.ID,
		Status:            StatusCommitted,
		Duration:          tx.Duration(),
		OperationsApplied: tx.OperationCount(),
	}

	logger.Info("transaction committed",
		"tx_id", tx.ID,
		"duration", result.Duration,
		"operations", result.OperationsApplied)

	return result, nil
}

// Rollback reverses a committed transaction.
//
// # Description
//
// Replays the recorded compensating actions in reverse insertion order:
// the last write to a path is undone first, so earlier content cascades
// back correctly when one transaction touched the same path twice. All
// actions are attempted even if some fail; failures are collected into a
// *RollbackError and the transaction stays committed so a retry remains
// possible.
//
// # Inputs
//
//   - ctx: Context for tracing and for spawned undo commands.
//   - txID: ID of a committed transaction.
//   - reason: Human-readable reason for the rollback (for logging).
//
// # Outputs
//
//   - *Result: Summary of the rolled-back transaction.
//   - error: ErrNotFound, *InvalidStateError if the transaction is not
//     committed, or *RollbackError.
func (m *Manager) Rollback(ctx context.Context, txID, reason string) (result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if tx.Status != StatusCommitted {
		return nil, &InvalidStateError{ID: txID, Current: tx.Status, Attempted: "rollback"}
	}

	ctx, span := m.tracer.StartRollback(ctx, tx, reason)
	defer func() { m.tracer.EndRollback(span, result, err) }()

	logger := LoggerWithTrace(ctx, m.logger)

	defer func() {
		recordRollback(ctx, tx.Duration(), tx.OperationCount(), err == nil)
	}()

	logger.Warn("rolling back transaction",
		"tx_id", tx.ID,
		"reason", reason,
		"compensations", len(tx.Compensations))

	if compErrs := m.compensate(ctx, tx.Compensations); len(compErrs) > 0 {
		err = &RollbackError{TransactionID: tx.ID, Errs: compErrs}
		tx.Error = err.Error()
		logger.Error("rollback incomplete",
			"tx_id", tx.ID,
			"failures", len(compErrs))
		return nil, err
	}

	m.tracer.RecordStateTransition(ctx, tx.ID, StatusCommitted, StatusRolledBack, time.Since(tx.StartedAt))
	tx.Status = StatusRolledBack
	tx.Error = ""
	_ = m.removePersistedTransaction(tx.ID)

	result = &Result{
		TransactionID:     tx.ID,
		Status:            StatusRolledBack,
		Duration:          tx.Duration(),
		OperationsApplied: tx.OperationCount(),
		RollbackReason:    reason,
	}

	logger.Info("transaction rolled back",
		"tx_id", tx.ID,
		"reason", reason)

	return result, nil
}

// Get returns a copy of a transaction by ID.
//
// # Outputs
//
//   - *Transaction: Copy preserving operation order; safe to inspect.
//   - error: ErrNotFound if no transaction matches.
func (m *Manager) Get(txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return tx.clone(), nil
}

// Status returns the lifecycle state of a transaction.
func (m *Manager) Status(txID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return tx.Status, nil
}

// List returns copies of all tracked transactions, newest first.
func (m *Manager) List() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, tx.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// =============================================================================
// Applying Operations
// =============================================================================

// applyOperation performs one file mutation, recording the captured
// backup ref on the operation, and returns the action that reverses it.
// reversible is false when nothing happened (deleting an absent target).
func (m *Manager) applyOperation(op *Operation) (action rollback.Action, reversible bool, err error) {
	switch op.Kind {
	case OpCreate:
		return m.applyCreate(op)
	case OpUpdate:
		return m.applyUpdate(op)
	case OpDelete:
		return m.applyDelete(op)
	default:
		return rollback.Action{}, false, &ApplyError{
			Path: op.Path,
			Err:  fmt.Errorf("unknown operation kind %q", op.Kind),
		}
	}
}

// applyCreate writes a new file. An existing target is an error so a
// stray create cannot silently clobber content without a backup.
func (m *Manager) applyCreate(op *Operation) (rollback.Action, bool, error) {
	if _, err := os.Stat(op.Path); err == nil {
		return rollback.Action{}, false, &ApplyError{
			Path: op.Path,
			Err:  fmt.Errorf("target already exists"),
		}
	}

	if err := writeTarget(op); err != nil {
		return rollback.Action{}, false, &ApplyError{Path: op.Path, Err: err}
	}

	return rollback.NewDeleteFile(op.Path), true, nil
}

// applyUpdate overwrites a file, preserving prior content first. An
// absent target degrades to a creation for rollback purposes.
func (m *Manager) applyUpdate(op *Operation) (rollback.Action, bool, error) {
	ref, err := m.backups.Create(op.Path)
	if err != nil {
		return rollback.Action{}, false, &BackupError{Path: op.Path, Err: err}
	}
	op.BackupRef = ref

	if err := writeTarget(op); err != nil {
		return rollback.Action{}, false, &ApplyError{Path: op.Path, Err: err}
	}

	if ref == "" {
		// No prior content existed; undoing this update means deleting.
		return rollback.NewDeleteFile(op.Path), true, nil
	}
	return rollback.NewRestoreFile(op.Path, ref), true, nil
}

// applyDelete removes a file, preserving its content first. An absent
// target is a no-op with nothing to reverse.
func (m *Manager) applyDelete(op *Operation) (rollback.Action, bool, error) {
	ref, err := m.backups.Create(op.Path)
	if err != nil {
		return rollback.Action{}, false, &BackupError{Path: op.Path, Err: err}
	}
	if ref == "" {
		return rollback.Action{}, false, nil
	}
	op.BackupRef = ref

	if err := os.Remove(op.Path); err != nil {
		return rollback.Action{}, false, &ApplyError{Path: op.Path, Err: err}
	}

	return rollback.NewRestoreFile(op.Path, ref), true, nil
}

// writeTarget writes an operation's content, creating parents as needed.
func writeTarget(op *Operation) error {
	if dir := filepath.Dir(op.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating parent directory: %w", err)
		}
	}

	mode := os.FileMode(op.Mode)
	if mode == 0 {
		mode = 0644
	}
	return os.WriteFile(op.Path, op.Content, mode)
}

// compensate replays actions newest-first, attempting every action even
// when earlier ones fail. Returns the collected failures.
func (m *Manager) compensate(ctx context.Context, actions []rollback.Action) []error {
	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		result, err := m.executor.Execute(ctx, actions[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result.NoOp {
			m.logger.Debug("compensation was a no-op", "position", i, "message", result.Message)
		}
	}
	return errs
}

// verifyChecksum hashes the target's current content and compares it to
// the expected SHA-256 hex digest.
func verifyChecksum(path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist but a checksum was pinned", ErrChecksumMismatch, path)
		}
		return fmt.Errorf("reading %s for checksum: %w", path, err)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != expected {
		return fmt.Errorf("%w: %s has checksum %s, expected %s", ErrChecksumMismatch, path, actual, expected)
	}
	return nil
}

// =============================================================================
// Persistence for Crash Recovery
// =============================================================================

// transactionStatePath returns the path to the transaction state file.
func (m *Manager) transactionStatePath(txID string) string {
	return filepath.Join(m.config.StateDir, txID+".json")
}

// persistTransaction saves the transaction state for crash recovery.
func (m *Manager) persistTransaction(tx *Transaction) error {
	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}

	if err := os.MkdirAll(m.config.StateDir, 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	path := m.transactionStatePath(tx.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing transaction state: %w", err)
	}

	return nil
}

// removePersistedTransaction removes the persisted transaction state.
func (m *Manager) removePersistedTransaction(txID string) error {
	path := m.transactionStatePath(txID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing transaction state: %w", err)
	}
	return nil
}

// recoverPersisted reloads committed transactions from a previous
// session. Pending transactions never applied anything; their state
// files are discarded.
func (m *Manager) recoverPersisted() error {
	entries, err := os.ReadDir(m.config.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading state directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(m.config.StateDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("failed to read persisted transaction", "path", path, "error", err)
			continue
		}

		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			m.logger.Warn("failed to parse persisted transaction", "path", path, "error", err)
			_ = os.Remove(path)
			continue
		}

		if tx.Status != StatusCommitted {
			m.logger.Info("discarding stale transaction",
				"tx_id", tx.ID,
				"status", tx.Status)
			_ = os.Remove(path)
			continue
		}

		m.logger.Info("recovered committed transaction",
			"tx_id", tx.ID,
			"started_at", tx.StartedAt.Format(time.RFC3339),
			"operations", tx.OperationCount())
		m.transactions[tx.ID] = &tx
	}

	return nil
}
