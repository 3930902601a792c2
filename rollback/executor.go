// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/AleutianAI/fstx/pkg/validation"
)

// ActionResult reports a successful compensation.
//
// NoOp distinguishes "there was nothing to do" (an already-absent delete
// target) from "the work was done", without folding the former into the
// error channel. Replays of the same action therefore stay cheap to reason
// about in logs and tests.
type ActionResult struct {
	// Message is a human-readable confirmation.
	Message string

	// NoOp is true when the desired state already held.
	NoOp bool
}

// Executor replays compensating actions.
//
// # Description
//
// Each handler is a pure function from an Action to either an ActionResult
// or an error: the executor keeps no state between calls and may be shared
// freely. Dispatch is exhaustive over the closed Kind set.
//
// # Thread Safety
//
// Safe for concurrent use. Actions touching overlapping paths must be
// serialized by the caller; the executor performs no path-level locking.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor.
//
// # Inputs
//
//   - logger: Structured logger. Uses slog.Default() if nil.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger: logger.With("component", "rollback.Executor"),
	}
}

// Execute replays one action.
//
// # Description
//
// Dispatches on the action's kind. A malformed action (unknown kind,
// missing data field, invalid path) is a caller defect and is reported
// without touching the filesystem; a handler that started work and could
// not finish returns a *FailedError naming the path or command involved.
//
// # Inputs
//
//   - ctx: Context passed to the spawned process for KindRunCommand.
//     File handlers run to completion regardless of ctx.
//   - action: The compensation to replay.
//
// # Outputs
//
//   - *ActionResult: Confirmation message, with NoOp set when the desired
//     state already held.
//   - error: *MissingFieldError, a validation error, or *FailedError.
func (e *Executor) Execute(ctx context.Context, action Action) (*ActionResult, error) {
	switch action.Kind {
	case KindRestoreFile:
		return e.restoreFile(action)
	case KindDeleteFile:
		return e.deleteFile(action)
	case KindRunCommand:
		return e.runCommand(ctx, action)
	default:
		return nil, fmt.Errorf("unknown rollback action kind %q", action.Kind)
	}
}

// restoreFile copies a backup's bytes back onto the target path.
func (e *Executor) restoreFile(action Action) (*ActionResult, error) {
	filePath, err := action.stringField("file_path")
	if err != nil {
		return nil, err
	}
	backupPath, err := action.stringField("backup_path")
	if err != nil {
		return nil, err
	}

	filePath, err = validation.ResolvePath(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid file_path: %w", err)
	}
	backupPath, err = validation.ResolvePath(backupPath)
	if err != nil {
		return nil, fmt.Errorf("invalid backup_path: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, &FailedError{
			Subject: filePath,
			Err:     fmt.Errorf("backup %s does not exist: %w", backupPath, err),
		}
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, &FailedError{
				Subject: filePath,
				Err:     fmt.Errorf("creating parent directory: %w", err),
			}
		}
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, &FailedError{
			Subject: filePath,
			Err:     fmt.Errorf("reading backup %s: %w", backupPath, err),
		}
	}
	if err := os.WriteFile(filePath, data, info.Mode().Perm()); err != nil {
		return nil, &FailedError{Subject: filePath, Err: err}
	}

	e.logger.Debug("restored file", "path", filePath, "backup", backupPath)
	return &ActionResult{
		Message: fmt.Sprintf("restored %s from backup", filePath),
	}, nil
}

// deleteFile removes a created file; absence counts as success.
func (e *Executor) deleteFile(action Action) (*ActionResult, error) {
	filePath, err := action.stringField("file_path")
	if err != nil {
		return nil, err
	}

	filePath, err = validation.ResolvePath(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid file_path: %w", err)
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		// Repeated or out-of-order replay lands here; not an error.
		return &ActionResult{
			Message: fmt.Sprintf("file %s already deleted", filePath),
			NoOp:    true,
		}, nil
	}

	if err := os.Remove(filePath); err != nil {
		return nil, &FailedError{Subject: filePath, Err: err}
	}

	e.logger.Debug("deleted file", "path", filePath)
	return &ActionResult{
		Message: fmt.Sprintf("deleted %s", filePath),
	}, nil
}

// runCommand spawns the undo command and waits for it to finish.
func (e *Executor) runCommand(ctx context.Context, action Action) (*ActionResult, error) {
	command, err := action.stringField("command")
	if err != nil {
		return nil, err
	}
	args, err := action.argsField()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("running undo command", "command", command, "args", args)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &FailedError{
				Subject: command,
				Err: fmt.Errorf("exit code %d: %s",
					exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes())),
			}
		}
		return nil, &FailedError{Subject: command, Err: err}
	}

	return &ActionResult{
		Message: fmt.Sprintf("command %s completed", command),
	}, nil
}
