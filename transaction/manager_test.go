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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fstx/rollback"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	config := DefaultConfig()
	config.BackupDir = filepath.Join(t.TempDir(), "backups")
	config.MetricsEnabled = false
	manager, err := NewManager(config)
	require.NoError(t, err)
	return manager
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestNewManager(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err, "BackupDir is required")

	manager := newTestManager(t)
	assert.NotNil(t, manager.Backups())
}

func TestBegin(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	tx1, err := manager.Begin(ctx)
	require.NoError(t, err)
	tx2, err := manager.Begin(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, tx1.ID, tx2.ID)
	assert.Equal(t, StatusPending, tx1.Status)
	assert.Empty(t, tx1.Operations)
}

func TestAddOperation_Errors(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	err := manager.AddOperation("nope", Operation{Kind: OpCreate, Path: "/tmp/x"})
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)

	err = manager.AddOperation(tx.ID, Operation{Kind: "rename", Path: "/tmp/x"})
	assert.ErrorContains(t, err, "rename")

	err = manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: ""})
	assert.Error(t, err)

	// Once committed, the transaction stops accepting operations.
	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)

	err = manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: "/tmp/x"})
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusCommitted, stateErr.Current)
}

func TestAddOperation_Checksum(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pinned.txt")
	writeFile(t, path, "known content")

	sum := sha256.Sum256([]byte("known content"))
	good := hex.EncodeToString(sum[:])

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)

	err = manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("next"), Checksum: good})
	assert.NoError(t, err)

	// The file changed under us; the pinned checksum no longer matches.
	writeFile(t, path, "surprise edit")
	err = manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("next"), Checksum: good})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.ErrorContains(t, err, path)

	// A checksum against an absent target is also a mismatch.
	absent := filepath.Join(t.TempDir(), "ghost.txt")
	err = manager.AddOperation(tx.ID, Operation{Kind: OpDelete, Path: absent, Checksum: good})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// =============================================================================
// Commit and Rollback Tests
// =============================================================================

func TestCommit_CreatesAndRollbackDeletes(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: pathA, Content: []byte("alpha")}))
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: pathB, Content: []byte("beta")}))

	result, err := manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, result.Status)
	assert.Equal(t, 2, result.OperationsApplied)
	assert.Equal(t, "alpha", readFile(t, pathA))
	assert.Equal(t, "beta", readFile(t, pathB))

	result, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, result.Status)

	_, err = os.Stat(pathA)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pathB)
	assert.True(t, os.IsNotExist(err))
}

func TestCommit_UpdateAndRollbackRestores(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.txt")
	writeFile(t, path, "orig")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("new")}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", readFile(t, path))

	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, "orig", readFile(t, path))
}

func TestCommit_UpdateMissingTargetActsAsCreate(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fresh.txt")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("content")}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "content", readFile(t, path))

	// There was no prior content, so rollback deletes rather than restores.
	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCommit_DeleteAndRollbackRestores(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doomed.txt")
	writeFile(t, path, "precious")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpDelete, Path: path}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, "precious", readFile(t, path))
}

func TestCommit_DeleteAbsentTargetIsNoOp(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "never-existed.txt")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpDelete, Path: path}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)

	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRollback_SamePathCascades(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "layered.txt")
	writeFile(t, path, "v1")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("v2")}))
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("v3")}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "v3", readFile(t, path))

	// Reverse order: v3 -> v2 first, then v2 -> v1.
	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, "v1", readFile(t, path))
}

func TestCommit_MidFailureReversesAppliedOperations(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	blocked := filepath.Join(dir, "blocked.txt")
	writeFile(t, blocked, "occupied")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: first, Content: []byte("one")}))
	// Creating over an existing file fails the commit at position 1.
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: blocked, Content: []byte("two")}))

	_, err = manager.Commit(ctx, tx.ID)
	require.Error(t, err)

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Empty(t, commitErr.CompensationErrs)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, blocked, applyErr.Path)

	// The first create was reversed; the blocked file is untouched.
	_, statErr := os.Stat(first)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, "occupied", readFile(t, blocked))

	status, err := manager.Status(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, status)
}

// refusingExecutor fails every compensating action, standing in for an
// environment where the backup store became unreadable mid-commit.
type refusingExecutor struct{}

func (refusingExecutor) Execute(_ context.Context, action rollback.Action) (*rollback.ActionResult, error) {
	path, _ := action.Data["file_path"].(string)
	return nil, &rollback.FailedError{Subject: path, Err: fmt.Errorf("backup unreadable")}
}

func TestCommit_DualFailureReportsBothErrors(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	edited := filepath.Join(dir, "edited.txt")
	blocked := filepath.Join(dir, "blocked.txt")
	writeFile(t, edited, "orig")
	writeFile(t, blocked, "occupied")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: edited, Content: []byte("new")}))
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: blocked, Content: []byte("two")}))

	// The update applies and records a restore compensation. The create
	// then fails, and the injected executor refuses the compensation, so
	// both the apply failure and the undo failure must surface.
	manager.executor = refusingExecutor{}

	_, err = manager.Commit(ctx, tx.ID)
	require.Error(t, err)

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)

	var applyErr *ApplyError
	require.ErrorAs(t, commitErr.Cause, &applyErr)
	assert.Equal(t, blocked, applyErr.Path)

	require.Len(t, commitErr.CompensationErrs, 1)
	var failed *rollback.FailedError
	require.ErrorAs(t, commitErr.CompensationErrs[0], &failed)
	assert.Equal(t, edited, failed.Subject)
	assert.Contains(t, err.Error(), "compensation also failed")

	// The refused compensation left the partial write on disk, and the
	// transaction still reports rolled back with the failure recorded.
	assert.Equal(t, "new", readFile(t, edited))
	status, err := manager.Status(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, status)
}

// panickingExecutor simulates an action handler blowing up mid-commit.
type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, rollback.Action) (*rollback.ActionResult, error) {
	panic("handler exploded")
}

func TestCommit_RecoveredPanicIsAnError(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	edited := filepath.Join(dir, "edited.txt")
	blocked := filepath.Join(dir, "blocked.txt")
	writeFile(t, edited, "orig")
	writeFile(t, blocked, "occupied")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: edited, Content: []byte("new")}))
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: blocked, Content: []byte("two")}))

	// The failing create triggers compensation, which panics. Commit must
	// contain the panic and report it as a failed commit.
	manager.executor = panickingExecutor{}

	_, err = manager.Commit(ctx, tx.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in Commit")
}

func TestRollback_StateErrors(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Rollback(ctx, "nope", "test")
	assert.ErrorIs(t, err, ErrNotFound)

	// Rolling back a pending transaction is a state error: nothing has
	// been applied yet, so there is nothing to reverse.
	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	_, err = manager.Rollback(ctx, tx.ID, "test")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusPending, stateErr.Current)

	// Rolling back twice is a state error too.
	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)
	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.NoError(t, err)
	_, err = manager.Rollback(ctx, tx.ID, "test")
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusRolledBack, stateErr.Current)
}

func TestCommit_PopulatesBackupRefs(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()
	updated := filepath.Join(dir, "updated.txt")
	created := filepath.Join(dir, "created.txt")
	writeFile(t, updated, "old")

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: updated, Content: []byte("new")}))
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: created, Content: []byte("x")}))

	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)

	got, err := manager.Get(tx.ID)
	require.NoError(t, err)

	// The destructive update preserved prior content; the pure create
	// had nothing to preserve.
	assert.NotEmpty(t, got.Operations[0].BackupRef)
	assert.FileExists(t, got.Operations[0].BackupRef)
	assert.Empty(t, got.Operations[1].BackupRef)
}

// =============================================================================
// Inspection Tests
// =============================================================================

func TestGet_PreservesOperationOrder(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)

	paths := []string{
		filepath.Join(dir, "one.txt"),
		filepath.Join(dir, "two.txt"),
		filepath.Join(dir, "three.txt"),
	}
	for _, p := range paths {
		require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpCreate, Path: p, Content: []byte("x")}))
	}

	got, err := manager.Get(tx.ID)
	require.NoError(t, err)
	require.Len(t, got.Operations, len(paths))
	for i, p := range paths {
		assert.Equal(t, p, got.Operations[i].Path)
	}

	_, err = manager.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{
		Kind: OpCreate, Path: filepath.Join(t.TempDir(), "a.txt"), Content: []byte("x"),
	}))

	got, err := manager.Get(tx.ID)
	require.NoError(t, err)
	got.Operations[0].Path = "/mutated"
	got.Status = StatusCommitted

	fresh, err := manager.Get(tx.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "/mutated", fresh.Operations[0].Path)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestList_NewestFirst(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := manager.Begin(ctx)
		require.NoError(t, err)
	}

	all := manager.List()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].StartedAt.After(all[i-1].StartedAt))
	}
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestRecovery_CommittedTransactionSurvivesRestart(t *testing.T) {
	config := DefaultConfig()
	config.BackupDir = filepath.Join(t.TempDir(), "backups")
	config.MetricsEnabled = false
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persisted.txt")
	writeFile(t, path, "before")

	manager, err := NewManager(config)
	require.NoError(t, err)

	tx, err := manager.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.AddOperation(tx.ID, Operation{Kind: OpUpdate, Path: path, Content: []byte("after")}))
	_, err = manager.Commit(ctx, tx.ID)
	require.NoError(t, err)

	// A fresh manager over the same directories can still reverse it.
	reborn, err := NewManager(config)
	require.NoError(t, err)

	status, err := reborn.Status(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, status)

	_, err = reborn.Rollback(ctx, tx.ID, "after restart")
	require.NoError(t, err)
	assert.Equal(t, "before", readFile(t, path))
}

func TestRecovery_DiscardsStalePending(t *testing.T) {
	config := DefaultConfig()
	config.BackupDir = filepath.Join(t.TempDir(), "backups")
	config.MetricsEnabled = false
	ctx := context.Background()

	manager, err := NewManager(config)
	require.NoError(t, err)
	tx, err := manager.Begin(ctx)
	require.NoError(t, err)

	reborn, err := NewManager(config)
	require.NoError(t, err)

	_, err = reborn.Get(tx.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
