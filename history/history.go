// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history tracks applied changes and walks them backward and forward.
//
// A History is a pair of stacks. Recording a change pushes it onto the undo
// stack and clears the redo stack, like an editor's history. Undo replays a
// change's compensating actions newest-first; before each file is touched,
// its current content is preserved so the undo itself can be redone.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/fstx/backup"
	"github.com/AleutianAI/fstx/rollback"
)

// stateFile is the name of the persisted history inside the state dir.
const stateFile = "history.json"

// Change is one recorded unit of applied work.
type Change struct {
	// ID uniquely identifies the change.
	ID string `json:"id"`

	// Description says what the change did, for listings.
	Description string `json:"description"`

	// CreatedAt is when the change was recorded.
	CreatedAt time.Time `json:"created_at"`

	// Actions reverse the change when replayed newest-first.
	Actions []rollback.Action `json:"actions"`
}

// Sentinel errors for history traversal.
var (
	// ErrNothingToUndo is returned when the undo stack is empty.
	ErrNothingToUndo = fmt.Errorf("nothing to undo")

	// ErrNothingToRedo is returned when the redo stack is empty.
	ErrNothingToRedo = fmt.Errorf("nothing to redo")
)

// History is an undo/redo stack over recorded changes.
//
// # Description
//
// Undo pops the most recent change and replays its actions in reverse
// order. While replaying, the current content of each touched file is
// captured through the backup store and an inverse action is built, so the
// popped change lands on the redo stack fully replayable. Recording a new
// change discards the redo stack; redoing after new work would replay
// stale state.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
//
// # Limitations
//
//   - Command actions are not invertible. Undoing a change containing one
//     runs the command, but the redo entry omits it.
type History struct {
	stateDir string
	backups  *backup.Store
	executor *rollback.Executor
	undo     []Change
	redo     []Change
	mu       sync.Mutex
	logger   *slog.Logger
}

// persistedState is the JSON shape of a saved history.
type persistedState struct {
	Undo []Change `json:"undo"`
	Redo []Change `json:"redo"`
}

// NewHistory creates a history persisted under stateDir.
//
// # Description
//
// Loads any previously saved stacks from stateDir, so undo depth survives
// process restarts. The backup store preserves file content captured
// during undo and redo.
//
// # Inputs
//
//   - stateDir: Directory holding the persisted history file.
//   - backups: Store for content captured while walking the history.
//   - logger: Structured logger. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *History: Ready-to-use history.
//   - error: Non-nil if stateDir is empty, backups is nil, or a saved
//     history exists but cannot be read.
func NewHistory(stateDir string, backups *backup.Store, logger *slog.Logger) (*History, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if backups == nil {
		return nil, fmt.Errorf("backup store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history.History")

	h := &History{
		stateDir: stateDir,
		backups:  backups,
		executor: rollback.NewExecutor(logger),
		logger:   logger,
	}

	if err := h.load(); err != nil {
		return nil, err
	}

	return h, nil
}

// Record pushes a new change onto the undo stack.
//
// # Description
//
// Assigns an ID and timestamp if the change has none. The redo stack is
// cleared: once new work lands, the previously undone changes no longer
// describe reachable state.
//
// # Inputs
//
//   - change: The change to record. Actions must reverse it when replayed
//     newest-first.
//
// # Outputs
//
//   - *Change: The recorded change with ID and timestamp filled in.
//   - error: Non-nil if the history cannot be persisted.
func (h *History) Record(change Change) (*Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	h.undo = append(h.undo, change)
	h.redo = nil

	if err := h.save(); err != nil {
		return nil, err
	}

	h.logger.Info("change recorded",
		"change_id", change.ID,
		"description", change.Description,
		"undo_depth", len(h.undo))

	return &change, nil
}

// Undo reverses the most recent change.
//
// # Inputs
//
//   - ctx: Context passed to spawned undo commands.
//
// # Outputs
//
//   - *Change: The change that was undone.
//   - error: ErrNothingToUndo, or the first action failure. On failure
//     the change stays on the undo stack for a retry.
func (h *History) Undo(ctx context.Context) (*Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.undo) == 0 {
		return nil, ErrNothingToUndo
	}

	change := h.undo[len(h.undo)-1]
	inverse, err := h.replay(ctx, change)
	if err != nil {
		return nil, fmt.Errorf("undoing %q: %w", change.Description, err)
	}

	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, inverse)

	if err := h.save(); err != nil {
		h.logger.Warn("failed to persist history after undo", "error", err)
	}

	h.logger.Info("change undone",
		"change_id", change.ID,
		"description", change.Description)

	return &change, nil
}

// Redo reapplies the most recently undone change.
//
// # Inputs
//
//   - ctx: Context passed to spawned undo commands.
//
// # Outputs
//
//   - *Change: The change that was reapplied.
//   - error: ErrNothingToRedo, or the first action failure. On failure
//     the change stays on the redo stack for a retry.
func (h *History) Redo(ctx context.Context) (*Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.redo) == 0 {
		return nil, ErrNothingToRedo
	}

	change := h.redo[len(h.redo)-1]
	inverse, err := h.replay(ctx, change)
	if err != nil {
		return nil, fmt.Errorf("redoing %q: %w", change.Description, err)
	}

	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, inverse)

	if err := h.save(); err != nil {
		h.logger.Warn("failed to persist history after redo", "error", err)
	}

	h.logger.Info("change redone",
		"change_id", change.ID,
		"description", change.Description)

	return &change, nil
}

// List returns the undo stack, newest first.
func (h *History) List() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Change, len(h.undo))
	for i, c := range h.undo {
		out[len(h.undo)-1-i] = c
	}
	return out
}

// Depths returns the current undo and redo stack depths.
func (h *History) Depths() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

// replay executes a change's actions newest-first, building the change
// that reverses the replay. Stops at the first failure.
func (h *History) replay(ctx context.Context, change Change) (Change, error) {
	inverse := Change{
		ID:          change.ID,
		Description: change.Description,
		CreatedAt:   time.Now(),
	}

	for i := len(change.Actions) - 1; i >= 0; i-- {
		action := change.Actions[i]

		inv, invertible, err := h.invert(action)
		if err != nil {
			return Change{}, err
		}

		if _, err := h.executor.Execute(ctx, action); err != nil {
			return Change{}, err
		}

		if invertible {
			inverse.Actions = append(inverse.Actions, inv)
		}
	}

	return inverse, nil
}

// invert builds the action that reverses a replay of action, capturing
// current file content before the replay clobbers it.
func (h *History) invert(action rollback.Action) (rollback.Action, bool, error) {
	switch action.Kind {
	case rollback.KindRestoreFile, rollback.KindDeleteFile:
		path, ok := action.Data["file_path"].(string)
		if !ok || path == "" {
			return rollback.Action{}, false, &rollback.MissingFieldError{Kind: action.Kind, Field: "file_path"}
		}

		ref, err := h.backups.Create(path)
		if err != nil {
			return rollback.Action{}, false, fmt.Errorf("preserving %s before replay: %w", path, err)
		}
		if ref == "" {
			// The file does not exist yet; reversing the replay deletes it.
			return rollback.NewDeleteFile(path), true, nil
		}
		return rollback.NewRestoreFile(path, ref), true, nil

	case rollback.KindRunCommand:
		// Commands have no recorded inverse.
		h.logger.Warn("command action is not invertible, redo will omit it",
			"command", action.Data["command"])
		return rollback.Action{}, false, nil

	default:
		return rollback.Action{}, false, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// =============================================================================
// Persistence
// =============================================================================

// statePath returns the path of the persisted history file.
func (h *History) statePath() string {
	return filepath.Join(h.stateDir, stateFile)
}

// load reads the persisted stacks, if any.
func (h *History) load() error {
	data, err := os.ReadFile(h.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading history state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing history state: %w", err)
	}

	h.undo = state.Undo
	h.redo = state.Redo
	return nil
}

// save writes the stacks to the state directory.
func (h *History) save() error {
	data, err := json.MarshalIndent(persistedState{Undo: h.undo, Redo: h.redo}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling history state: %w", err)
	}

	if err := os.MkdirAll(h.stateDir, 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if err := os.WriteFile(h.statePath(), data, 0644); err != nil {
		return fmt.Errorf("writing history state: %w", err)
	}
	return nil
}
