// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T, maxRetained int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "backups"), maxRetained, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// =============================================================================
// NewStore Tests
// =============================================================================

func TestNewStore(t *testing.T) {
	if _, err := NewStore("", 5, nil); err == nil {
		t.Error("NewStore with empty dir should fail")
	}

	store, err := NewStore("/tmp/fstx-backups", 0, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	if store.Dir() != "/tmp/fstx-backups" {
		t.Errorf("Dir() = %q", store.Dir())
	}
}

func TestNewStore_LazyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	if _, err := NewStore(dir, 5, nil); err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	// Construction must not create the directory.
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("backup directory should not exist before first capture")
	}
}

// =============================================================================
// Create Tests
// =============================================================================

func TestStore_Create_MissingSource(t *testing.T) {
	store := newTestStore(t, 5)

	ref, err := store.Create(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ref != "" {
		t.Errorf("Create of missing file returned ref %q, want empty", ref)
	}
}

func TestStore_Create_PreservesBytes(t *testing.T) {
	store := newTestStore(t, 5)
	src := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, src, "original content")

	ref, err := store.Create(src)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ref == "" {
		t.Fatal("Create returned empty ref for existing file")
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(data) != "original content" {
		t.Errorf("backup content = %q", data)
	}
}

func TestStore_Create_Directory(t *testing.T) {
	store := newTestStore(t, 5)
	if _, err := store.Create(t.TempDir()); err == nil {
		t.Error("Create of a directory should fail")
	}
}

func TestStore_Create_CollisionFreeNames(t *testing.T) {
	store := newTestStore(t, 100)
	src := filepath.Join(t.TempDir(), "hot.txt")
	writeFile(t, src, "v")

	const n = 16
	refs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := store.Create(src)
			if err != nil {
				t.Errorf("concurrent Create failed: %v", err)
				return
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			t.Fatalf("duplicate backup ref %q", ref)
		}
		seen[ref] = struct{}{}
	}
}

// =============================================================================
// Restore Tests
// =============================================================================

func TestStore_Restore_RoundTrip(t *testing.T) {
	store := newTestStore(t, 5)
	dir := t.TempDir()
	src := filepath.Join(dir, "config.yaml")
	writeFile(t, src, "key: old")

	ref, err := store.Create(src)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// Clobber the original, then restore.
	writeFile(t, src, "key: new")
	if err := store.Restore(ref, src); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}

	data, _ := os.ReadFile(src)
	if string(data) != "key: old" {
		t.Errorf("restored content = %q, want %q", data, "key: old")
	}
}

func TestStore_Restore_CreatesParents(t *testing.T) {
	store := newTestStore(t, 5)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, "data")

	ref, err := store.Create(src)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	target := filepath.Join(dir, "deep", "nested", "a.txt")
	if err := store.Restore(ref, target); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("restored content = %q", data)
	}
}

func TestStore_Restore_MissingBackup(t *testing.T) {
	store := newTestStore(t, 5)
	err := store.Restore(filepath.Join(store.Dir(), "ghost.bak"), filepath.Join(t.TempDir(), "out.txt"))
	if err == nil {
		t.Fatal("Restore from missing backup should fail")
	}
	if !strings.Contains(err.Error(), "ghost.bak") {
		t.Errorf("error should name the missing backup, got: %v", err)
	}
}

// =============================================================================
// Retention Tests
// =============================================================================

func TestStore_Retention_EvictsOldestPerPath(t *testing.T) {
	store := newTestStore(t, 3)
	dir := t.TempDir()
	src := filepath.Join(dir, "churn.txt")
	other := filepath.Join(dir, "stable.txt")
	writeFile(t, other, "untouched")

	if _, err := store.Create(other); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	var oldest string
	for i := 0; i < 5; i++ {
		writeFile(t, src, strings.Repeat("x", i+1))
		ref, err := store.Create(src)
		if err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		if i == 0 {
			oldest = ref
		}
	}

	backups, err := store.List(src)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("retained %d backups, want 3", len(backups))
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Errorf("oldest backup %s should have been evicted", oldest)
	}

	// Retention for one path must not touch another path's backups.
	otherBackups, err := store.List(other)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(otherBackups) != 1 {
		t.Errorf("other path retained %d backups, want 1", len(otherBackups))
	}
}

func TestStore_Retention_FlattenedSiblingsKeepSeparatePools(t *testing.T) {
	// "/x/a_b" and "/x/a/b" flatten to the same filename component, so the
	// pools must be separated by something stronger than the flattened name.
	store := newTestStore(t, 2)
	dir := t.TempDir()
	underscore := filepath.Join(dir, "a_b")
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(filepath.Dir(nested), 0755); err != nil {
		t.Fatalf("creating nested dir: %v", err)
	}
	writeFile(t, underscore, "flat")
	writeFile(t, nested, "nested")

	nestedRef, err := store.Create(nested)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	// Churn on the underscore sibling past the retention limit.
	for i := 0; i < 3; i++ {
		writeFile(t, underscore, strings.Repeat("f", i+1))
		if _, err := store.Create(underscore); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	nestedBackups, err := store.List(nested)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(nestedBackups) != 1 {
		t.Fatalf("nested path has %d backups, want 1", len(nestedBackups))
	}
	if _, err := os.Stat(nestedRef); err != nil {
		t.Errorf("nested path's backup was evicted by churn on its sibling: %v", err)
	}

	underscoreBackups, err := store.List(underscore)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(underscoreBackups) != 2 {
		t.Errorf("underscore path retained %d backups, want 2", len(underscoreBackups))
	}
}

func TestStore_List_NewestFirst(t *testing.T) {
	store := newTestStore(t, 10)
	src := filepath.Join(t.TempDir(), "seq.txt")

	for i := 0; i < 3; i++ {
		writeFile(t, src, strings.Repeat("y", i+1))
		if _, err := store.Create(src); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	backups, err := store.List(src)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("List returned %d backups, want 3", len(backups))
	}
	for i := 1; i < len(backups); i++ {
		if backups[i].CreatedAt.After(backups[i-1].CreatedAt) {
			t.Errorf("backups not sorted newest first at index %d", i)
		}
	}
}

func TestStore_List_EmptyDir(t *testing.T) {
	store := newTestStore(t, 5)
	backups, err := store.List("/some/path")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if backups != nil {
		t.Errorf("List on missing directory = %v, want nil", backups)
	}
}
