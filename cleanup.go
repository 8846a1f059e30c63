package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cleanupOldCSVs removes YYYY-MM-DD.csv files in dir dated more than days
// before now. Other files are left alone.
func cleanupOldCSVs(dir string, days int, now time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".csv"))
		if err != nil {
			continue
		}
		if int(today.Sub(day).Hours()/24) <= days {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Warn("delete old csv", "file", name, "err", err)
			continue
		}
		slog.Info("deleted old csv", "file", name)
	}
	return nil
}
