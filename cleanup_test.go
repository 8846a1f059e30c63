package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanupOldCSVs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 30, 8, 0, 0, 0, time.UTC)
	files := map[string]bool{ // name -> should survive
		now.AddDate(0, 0, -31).Format("2006-01-02") + ".csv": false,
		now.AddDate(0, 0, -30).Format("2006-01-02") + ".csv": true,
		now.AddDate(0, 0, -29).Format("2006-01-02") + ".csv": true,
		"Club A.csv":         true,
		"2020-01-01.txt":     true,
		"2020-13-45.csv":     true,
		"seen_ids_club.json": true,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if err := cleanupOldCSVs(dir, 30, now); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	for name, keep := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if keep && err != nil {
			t.Errorf("%s was removed", name)
		}
		if !keep && !os.IsNotExist(err) {
			t.Errorf("%s was kept", name)
		}
	}
}

func TestCleanupOldCSVs_MissingDir(t *testing.T) {
	if err := cleanupOldCSVs(filepath.Join(t.TempDir(), "nope"), 30, time.Now()); err != nil {
		t.Fatalf("missing dir should be a no-op: %v", err)
	}
}
