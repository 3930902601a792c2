// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback executes compensating actions that reverse side effects.
//
// An Action is a kind-tagged, self-contained description of how to undo one
// side effect: restore a file from a known backup, delete a file that was
// created, or run an external undo command. Actions are immutable values;
// whichever subsystem recorded one (the transaction manager, the undo/redo
// history, a workflow engine) hands it to an Executor for replay.
//
// The set of kinds is deliberately closed. Adding a kind means adding a
// constant plus its handler arm, a change that is visible at compile time
// rather than through runtime registration.
package rollback

import (
	"fmt"
)

// =============================================================================
// Action Kinds
// =============================================================================

// Kind identifies a compensating-action handler.
type Kind string

const (
	// KindRestoreFile copies a backup's bytes back onto a file path.
	// Requires data fields "file_path" and "backup_path".
	KindRestoreFile Kind = "restore_file"

	// KindDeleteFile removes a file that was created. Requires "file_path".
	// Deleting an already-absent file is a success, so replay is idempotent.
	KindDeleteFile Kind = "delete_file"

	// KindRunCommand spawns an external undo command and waits for it.
	// Requires "command"; "args" is optional.
	KindRunCommand Kind = "run_command"
)

// Valid reports whether k is a known action kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRestoreFile, KindDeleteFile, KindRunCommand:
		return true
	}
	return false
}

// =============================================================================
// Action
// =============================================================================

// Action describes how to reverse one side effect.
//
// # Description
//
// The Data bag holds the fields required by the Kind. Actions survive JSON
// round-trips (the history persists them), so Data values are plain JSON
// types: strings, and []any for argument lists.
//
// # Ownership
//
// An Action owns no live resource; it is a value copied freely between the
// subsystem that recorded it and the executor that replays it.
type Action struct {
	// Kind selects the handler.
	Kind Kind `json:"kind" yaml:"kind"`

	// Data carries the handler's parameters, keyed by field name.
	Data map[string]any `json:"data" yaml:"data"`
}

// NewRestoreFile builds an action that restores filePath from backupPath.
func NewRestoreFile(filePath, backupPath string) Action {
	return Action{
		Kind: KindRestoreFile,
		Data: map[string]any{
			"file_path":   filePath,
			"backup_path": backupPath,
		},
	}
}

// NewDeleteFile builds an action that deletes filePath.
func NewDeleteFile(filePath string) Action {
	return Action{
		Kind: KindDeleteFile,
		Data: map[string]any{
			"file_path": filePath,
		},
	}
}

// NewRunCommand builds an action that runs command with args.
func NewRunCommand(command string, args ...string) Action {
	data := map[string]any{
		"command": command,
	}
	if len(args) > 0 {
		anyArgs := make([]any, len(args))
		for i, a := range args {
			anyArgs[i] = a
		}
		data["args"] = anyArgs
	}
	return Action{Kind: KindRunCommand, Data: data}
}

// stringField extracts a required string field from the data bag.
func (a Action) stringField(field string) (string, error) {
	v, ok := a.Data[field]
	if !ok {
		return "", &MissingFieldError{Kind: a.Kind, Field: field}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &MissingFieldError{Kind: a.Kind, Field: field}
	}
	return s, nil
}

// argsField extracts the optional argument list.
//
// Accepts []string (freshly constructed actions) and []any (actions decoded
// from JSON or YAML).
func (a Action) argsField() ([]string, error) {
	v, ok := a.Data["args"]
	if !ok || v == nil {
		return nil, nil
	}

	switch args := v.(type) {
	case []string:
		return args, nil
	case []any:
		out := make([]string, 0, len(args))
		for _, item := range args {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s action: args must be strings, got %T", a.Kind, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s action: args must be a string list, got %T", a.Kind, v)
	}
}

// =============================================================================
// Errors
// =============================================================================

// MissingFieldError reports a data bag missing a field its kind requires.
//
// Surfacing the exact field keeps a malformed stored action diagnosable
// long after the code that recorded it has moved on.
type MissingFieldError struct {
	Kind  Kind
	Field string
}

// Error implements the error interface.
func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s action missing required field %q", e.Kind, e.Field)
}

// FailedError reports a compensation that could not be applied.
//
// Subject is the file path or command the handler was working on; every
// rollback failure names what it was trying to reverse.
type FailedError struct {
	Subject string
	Err     error
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	return fmt.Sprintf("rollback failed for %s: %v", e.Subject, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FailedError) Unwrap() error {
	return e.Err
}
