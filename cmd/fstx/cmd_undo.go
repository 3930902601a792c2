// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/fstx/history"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// undoCmd reverses the most recent recorded change.
var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Reverse the most recent recorded change",
	Args:  cobra.NoArgs,
	Run:   runUndoCommand,
}

// redoCmd reapplies the most recently undone change.
var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Reapply the most recently undone change",
	Args:  cobra.NoArgs,
	Run:   runRedoCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runUndoCommand pops and reverses the newest change.
func runUndoCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	hist, err := newHistory()
	if err != nil {
		fatalf("Error opening change history: %v", err)
	}

	change, err := hist.Undo(ctx)
	if err != nil {
		if errors.Is(err, history.ErrNothingToUndo) {
			fatalf("Nothing to undo")
		}
		fatalf("Undo failed: %v", err)
	}

	fmt.Printf("Undone: %s (%s)\n", change.Description, change.ID)
}

// runRedoCommand reapplies the newest undone change.
func runRedoCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	hist, err := newHistory()
	if err != nil {
		fatalf("Error opening change history: %v", err)
	}

	change, err := hist.Redo(ctx)
	if err != nil {
		if errors.Is(err, history.ErrNothingToRedo) {
			fatalf("Nothing to redo")
		}
		fatalf("Redo failed: %v", err)
	}

	fmt.Printf("Redone: %s (%s)\n", change.Description, change.ID)
}
