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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/fstx/history"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	applyTimeout time.Duration // Overall timeout for the apply
	applySkipLog bool          // Skip recording the change in history
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// applyCmd applies a plan file as one atomic transaction.
//
// # Description
//
// Loads a YAML plan, collects its operations into a transaction, and
// commits. A failure mid-commit reverses the already-applied operations
// before the command exits non-zero. On success the change lands in the
// undo history unless --no-history is set.
//
// # Examples
//
//	fstx apply deploy.yaml
//	fstx apply deploy.yaml --timeout 2m
var applyCmd = &cobra.Command{
	Use:   "apply <plan.yaml>",
	Short: "Apply a plan file as one atomic transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runApplyCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	applyCmd.Flags().DurationVar(&applyTimeout, "timeout", 5*time.Minute,
		"Overall timeout for applying the plan")
	applyCmd.Flags().BoolVar(&applySkipLog, "no-history", false,
		"Do not record the change in the undo history")
	rootCmd.AddCommand(applyCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runApplyCommand loads the plan and commits it.
func runApplyCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	plan, err := loadPlan(args[0])
	if err != nil {
		fatalf("%v", err)
	}

	ops, err := plan.toOperations()
	if err != nil {
		fatalf("%v", err)
	}

	manager, err := newManager()
	if err != nil {
		fatalf("Error creating transaction manager: %v", err)
	}

	tx, err := manager.Begin(ctx)
	if err != nil {
		fatalf("Error starting transaction: %v", err)
	}

	for i, op := range ops {
		if err := manager.AddOperation(tx.ID, op); err != nil {
			fatalf("Operation %d rejected: %v", i, err)
		}
	}

	result, err := manager.Commit(ctx, tx.ID)
	if err != nil {
		fatalf("Commit failed (applied operations were reversed): %v", err)
	}

	fmt.Printf("Applied %d operation(s) in %s\n", result.OperationsApplied, result.Duration.Round(time.Millisecond))
	fmt.Printf("Transaction: %s\n", result.TransactionID)

	if applySkipLog {
		return
	}

	committed, err := manager.Get(tx.ID)
	if err != nil {
		fatalf("Error reading committed transaction: %v", err)
	}

	hist, err := newHistory()
	if err != nil {
		fatalf("Error opening change history: %v", err)
	}

	change, err := hist.Record(history.Change{
		Description: plan.Description,
		Actions:     committed.Compensations,
	})
	if err != nil {
		fatalf("Error recording change: %v", err)
	}
	fmt.Printf("Recorded change: %s (%s)\n", change.ID, change.Description)
}
