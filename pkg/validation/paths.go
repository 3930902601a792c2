// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user- and agent-provided inputs that
// end up in filesystem operations or subprocess calls. Using these validators
// prevents a malformed or hostile path from reaching the OS (NUL injection,
// empty-path surprises, unexpanded home markers).
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath checks that a path is safe to hand to filesystem primitives.
//
// Rejected inputs:
//   - empty string
//   - paths containing a NUL byte (OS APIs truncate at NUL, which can
//     silently redirect an operation to a different file)
//
// Returns an error describing the defect, or nil.
//
// Example:
//
//	if err := validation.ValidatePath(p); err != nil {
//	    return fmt.Errorf("invalid target: %w", err)
//	}
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte: %q", path)
	}
	return nil
}

// ResolvePath validates a path and normalizes it to an absolute, cleaned form.
//
// # Description
//
// Applies ValidatePath, expands a leading "~" to the current user's home
// directory, and resolves the result to an absolute path. This is the single
// entry point every file-oriented component uses before touching the
// filesystem, so path handling stays uniform across the subsystem.
//
// # Inputs
//
//   - path: Raw path as provided by a caller or a stored action record.
//
// # Outputs
//
//   - string: Absolute, cleaned path.
//   - error: Non-nil if the path is empty, contains NUL, or cannot be
//     resolved (e.g. the home directory is unknown).
//
// # Example
//
//	resolved, err := validation.ResolvePath("~/project/main.go")
//	if err != nil {
//	    return err
//	}
func ResolvePath(path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
