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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var changesJSONOutput bool // Output as JSON

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// changesCmd lists the recorded change history, newest first.
//
// # Examples
//
//	fstx changes
//	fstx changes --json
var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List recorded changes, newest first",
	Args:  cobra.NoArgs,
	Run:   runChangesCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	changesCmd.Flags().BoolVar(&changesJSONOutput, "json", false,
		"Output as JSON for scripting")
	rootCmd.AddCommand(changesCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runChangesCommand prints the undo stack.
func runChangesCommand(cmd *cobra.Command, args []string) {
	hist, err := newHistory()
	if err != nil {
		fatalf("Error opening change history: %v", err)
	}

	changes := hist.List()

	if changesJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(changes); err != nil {
			fatalf("Error encoding changes: %v", err)
		}
		return
	}

	if len(changes) == 0 {
		fmt.Println("No recorded changes.")
		return
	}

	undoDepth, redoDepth := hist.Depths()
	fmt.Printf("%d change(s) undoable, %d redoable\n\n", undoDepth, redoDepth)
	for _, change := range changes {
		fmt.Printf("%s  %s  %s (%d action(s))\n",
			change.CreatedAt.Format(time.RFC3339),
			change.ID[:8],
			change.Description,
			len(change.Actions))
	}
}
