// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup preserves file contents before destructive operations.
//
// A Store copies a file's current bytes into a dedicated backup directory
// under a collision-free name, and can later copy them back onto any target
// path. Retention is bounded per original path: once a path accumulates more
// than the configured maximum, the oldest backups are evicted first.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeFormat is the timestamp embedded in backup names. Fixed-width UTC so
// lexical order matches chronological order.
const timeFormat = "20060102T150405.000000000"

// backupExt marks files managed by a Store inside its directory.
const backupExt = ".bak"

// Info describes one retained backup.
type Info struct {
	// Ref is the full path to the backup file.
	Ref string

	// OriginalPath is the path that was backed up.
	OriginalPath string

	// CreatedAt is when the backup was captured.
	CreatedAt time.Time

	// Size is the backup size in bytes.
	Size int64
}

// Store creates and restores content-preserving snapshots of files.
//
// # Description
//
// Each Create call copies the source file's bytes into the store's
// directory under a name derived from the source path plus a uniqueness
// token, so concurrent captures of the same path never overwrite each
// other. Restore copies preserved bytes back onto a target path.
//
// # Thread Safety
//
// Safe for concurrent use. Name generation is collision-free without
// coordination; retention bookkeeping is mutex-guarded.
//
// # Limitations
//
//   - Only regular files are preserved; directories are not snapshotted.
//   - Retention is best-effort: eviction failures are logged, not surfaced.
type Store struct {
	dir         string
	maxRetained int
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewStore creates a backup store rooted at dir.
//
// # Description
//
// The directory is created lazily on first capture, so constructing a
// store never touches the filesystem. maxRetained bounds how many backups
// are kept per original path; zero or negative selects the default of 10.
//
// # Inputs
//
//   - dir: Directory that will hold backup files.
//   - maxRetained: Maximum backups retained per original path.
//   - logger: Structured logger. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *Store: Ready-to-use store.
//   - error: Non-nil if dir is empty.
func NewStore(dir string, maxRetained int, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if maxRetained <= 0 {
		maxRetained = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		dir:         dir,
		maxRetained: maxRetained,
		logger:      logger.With("component", "backup.Store"),
	}, nil
}

// Dir returns the store's backup directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create captures the current bytes of path.
//
// # Description
//
// If path exists, its bytes are copied into the backup directory and the
// backup's location is returned. If path does not exist there is nothing
// to preserve and Create returns an empty ref with a nil error: the caller
// should treat the pending mutation as a pure creation for rollback
// purposes. After a successful capture, backups for this path beyond the
// retention limit are evicted oldest-first.
//
// # Inputs
//
//   - path: Absolute path of the file about to be overwritten or removed.
//
// # Outputs
//
//   - string: Ref to the created backup, or "" if path did not exist.
//   - error: Non-nil if the capture failed.
//
// # Example
//
//	ref, err := store.Create("/work/main.go")
//	if err != nil {
//	    return err
//	}
//	if ref == "" {
//	    // path did not exist; rollback will delete instead of restore
//	}
func (s *Store) Create(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil // Nothing to preserve
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot back up directory %s", path)
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return "", fmt.Errorf("creating backup directory %s: %w", s.dir, err)
	}

	ref := filepath.Join(s.dir, s.backupName(path))
	if err := copyFile(path, ref, info.Mode()); err != nil {
		return "", fmt.Errorf("backing up %s: %w", path, err)
	}

	s.logger.Debug("captured backup",
		"path", path,
		"ref", ref,
		"size", info.Size())

	if err := s.evict(path); err != nil {
		// Capture succeeded; retention is best-effort.
		s.logger.Warn("backup eviction failed",
			"path", path,
			"error", err)
	}

	return ref, nil
}

// Restore copies preserved bytes back onto a target path.
//
// # Description
//
// Parent directories of target are created as needed. The ref must point
// at an existing backup file; restoring from a missing backup is an error
// because the caller believed prior content existed.
//
// # Inputs
//
//   - ref: Backup ref returned by Create.
//   - target: Path to receive the preserved bytes.
//
// # Outputs
//
//   - error: Non-nil if the backup is missing or the copy failed.
func (s *Store) Restore(ref, target string) error {
	info, err := os.Stat(ref)
	if err != nil {
		return fmt.Errorf("backup %s unavailable: %w", ref, err)
	}

	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating parent directory for %s: %w", target, err)
		}
	}

	if err := copyFile(ref, target, info.Mode()); err != nil {
		return fmt.Errorf("restoring %s from %s: %w", target, ref, err)
	}

	s.logger.Debug("restored backup", "ref", ref, "target", target)
	return nil
}

// List returns all retained backups for an original path, newest first.
func (s *Store) List(originalPath string) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	prefix := namePrefix(originalPath)
	var backups []Info

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}

		// A parseable timestamp right after the prefix distinguishes
		// backups of this path from backups of a path that merely
		// shares it as a name prefix.
		createdAt, ok := createdAtFromName(name, prefix)
		if !ok {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, Info{
			Ref:          filepath.Join(s.dir, name),
			OriginalPath: originalPath,
			CreatedAt:    createdAt,
			Size:         fi.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// evict removes the oldest backups for a path beyond the retention limit.
func (s *Store) evict(originalPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backups, err := s.List(originalPath)
	if err != nil {
		return err
	}
	if len(backups) <= s.maxRetained {
		return nil
	}

	// List is sorted newest first.
	for _, old := range backups[s.maxRetained:] {
		if err := os.Remove(old.Ref); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evicting %s: %w", old.Ref, err)
		}
		s.logger.Debug("evicted backup", "ref", old.Ref)
	}
	return nil
}

// backupName builds a collision-free name for a backup of path.
//
// The name embeds the per-path prefix (so retention can group by path),
// a fixed-width UTC timestamp (so lexical order is chronological), and a
// random token (so concurrent captures never collide).
func (s *Store) backupName(path string) string {
	return fmt.Sprintf("%s%s.%s%s",
		namePrefix(path),
		time.Now().UTC().Format(timeFormat),
		uuid.NewString()[:8],
		backupExt)
}

// namePrefix identifies all backups of one original path.
//
// The flattened path alone is ambiguous: "/x/a_b" and "/x/a/b" both
// flatten to "x_a_b", which would pool their retention together and let
// churn on one path evict the other's backups. A digest of the unflattened
// path keeps each pool separate while the flattened form stays readable.
func namePrefix(path string) string {
	return sanitizePath(path) + "." + pathKey(path) + "."
}

// sanitizePath flattens a path into a single filename component.
func sanitizePath(path string) string {
	replacer := strings.NewReplacer(string(os.PathSeparator), "_", ":", "_")
	return strings.TrimPrefix(replacer.Replace(path), "_")
}

// pathKey derives a short digest of the original, unflattened path.
func pathKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:6])
}

// createdAtFromName parses the timestamp embedded in a backup name.
func createdAtFromName(name, prefix string) (time.Time, bool) {
	rest := strings.TrimPrefix(name, prefix)
	if len(rest) < len(timeFormat) {
		return time.Time{}, false
	}
	ts, err := time.Parse(timeFormat, rest[:len(timeFormat)])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// copyFile copies src to dst, truncating dst and applying mode.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying bytes: %w", err)
	}
	return out.Close()
}
