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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/fstx/backup"
	"github.com/AleutianAI/fstx/pkg/validation"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// backupsCmd lists retained backups for a file, newest first.
//
// # Examples
//
//	fstx backups /work/main.go
//	fstx backups ~/notes.txt
var backupsCmd = &cobra.Command{
	Use:   "backups <path>",
	Short: "List retained backups for a file, newest first",
	Args:  cobra.ExactArgs(1),
	Run:   runBackupsCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(backupsCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runBackupsCommand prints the retained backups for one original path.
func runBackupsCommand(cmd *cobra.Command, args []string) {
	path, err := validation.ResolvePath(args[0])
	if err != nil {
		fatalf("Invalid path: %v", err)
	}

	store, err := backup.NewStore(config.BackupDir, config.MaxBackupsPerPath, logger.Slog())
	if err != nil {
		fatalf("Error opening backup store: %v", err)
	}

	backups, err := store.List(path)
	if err != nil {
		fatalf("Error listing backups: %v", err)
	}

	if len(backups) == 0 {
		fmt.Printf("No backups retained for %s\n", path)
		return
	}

	for _, info := range backups {
		fmt.Printf("%s  %8d bytes  %s\n",
			info.CreatedAt.Format(time.RFC3339),
			info.Size,
			info.Ref)
	}
}
