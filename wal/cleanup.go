package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files older than the retention period
func Cleanup(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	if config.RetentionDays <= 0 {
		return stats, nil
	}
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	files := filterOldFiles(findAllWALFiles(dir, config.FilePrefix), cutoff)
	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	for i, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.BytesFreed += info.Size()
		mod := info.ModTime()
		if i == 0 || mod.Before(stats.OldestRemoved) {
			stats.OldestRemoved = mod
		}
		if i == 0 || mod.After(stats.NewestRemoved) {
			stats.NewestRemoved = mod
		}
	}

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return stats, nil
}

func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}

func filterOldFiles(files []string, cutoff time.Time) []string {
	var old []string
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			old = append(old, file)
		}
	}
	return old
}
