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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for transaction operations.
var (
	// ErrNotFound is returned when no transaction matches the given ID.
	ErrNotFound = errors.New("transaction not found")

	// ErrChecksumMismatch is returned when a target file's current content
	// does not match the checksum an operation pinned.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// InvalidStateError reports an operation attempted in the wrong lifecycle
// state, such as committing twice or rolling back a pending transaction.
type InvalidStateError struct {
	ID        string
	Current   Status
	Attempted string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %s is %s, cannot %s", e.ID, e.Current, e.Attempted)
}

// BackupError reports a failure to preserve a file's content before a
// destructive operation. The operation is never applied when backup fails.
type BackupError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *BackupError) Error() string {
	return fmt.Sprintf("backing up %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *BackupError) Unwrap() error {
	return e.Err
}

// ApplyError reports a file operation that could not be applied during
// commit. It always names the offending path.
type ApplyError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying operation on %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

// CommitError reports a failed commit together with the outcome of the
// automatic compensation that followed.
//
// # Description
//
// When an operation fails mid-commit, already-applied operations are
// reversed before the error is surfaced. If that reversal itself fails,
// both failures matter: Cause explains why the commit stopped, and
// CompensationErrs lists what could not be undone. Callers that only
// care about the original failure can unwrap Cause.
type CommitError struct {
	Cause            error
	CompensationErrs []error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	if len(e.CompensationErrs) == 0 {
		return fmt.Sprintf("commit failed: %v", e.Cause)
	}
	msgs := make([]string, len(e.CompensationErrs))
	for i, err := range e.CompensationErrs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("commit failed: %v; compensation also failed: %s",
		e.Cause, strings.Join(msgs, "; "))
}

// Unwrap returns the original commit failure.
func (e *CommitError) Unwrap() error {
	return e.Cause
}

// RollbackError reports a rollback that could not fully reverse a
// committed transaction. Errs lists the per-action failures; each names
// the path or command it was working on.
type RollbackError struct {
	TransactionID string
	Errs          []error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("rollback of transaction %s incomplete: %s",
		e.TransactionID, strings.Join(msgs, "; "))
}

// Unwrap returns the per-action failures.
func (e *RollbackError) Unwrap() []error {
	return e.Errs
}
