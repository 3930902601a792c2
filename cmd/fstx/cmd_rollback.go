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
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var rollbackReason string // Why the rollback is happening

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// rollbackCmd reverses a committed transaction by ID.
//
// # Description
//
// Replays the transaction's compensating actions in reverse order. Works
// across process restarts: committed transactions are persisted and
// recovered when the manager starts.
//
// # Examples
//
//	fstx rollback 4f7c1e2a-...
//	fstx rollback 4f7c1e2a-... --reason "deploy broke smoke tests"
var rollbackCmd = &cobra.Command{
	Use:   "rollback <transaction-id>",
	Short: "Reverse a committed transaction",
	Args:  cobra.ExactArgs(1),
	Run:   runRollbackCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "manual rollback",
		"Reason recorded with the rollback")
	rootCmd.AddCommand(rollbackCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runRollbackCommand reverses the named transaction.
func runRollbackCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	manager, err := newManager()
	if err != nil {
		fatalf("Error creating transaction manager: %v", err)
	}

	result, err := manager.Rollback(ctx, args[0], rollbackReason)
	if err != nil {
		fatalf("Rollback failed: %v", err)
	}

	fmt.Printf("Rolled back transaction %s (%d operation(s))\n",
		result.TransactionID, result.OperationsApplied)
}
