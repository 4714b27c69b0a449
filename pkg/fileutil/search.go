package fileutil

import (
	"os"
	"path/filepath"
)

// SystemConfigDir holds the system-wide configuration.
const SystemConfigDir = "/etc/webhooklog"

// SearchPathsOptional looks for a file in multiple locations.
// Returns the first path that is a regular file, or empty string if none is.
// Directories with a matching name are skipped.
func SearchPathsOptional(paths []string) string {
	for _, path := range paths {
		if FileExists(path) {
			return path
		}
	}
	return ""
}

// DefaultConfigPaths returns standard config search paths for a given filename.
// Search order:
// 1. Current directory (./<filename>)
// 2. Config subdirectory (./config/<filename>)
// 3. System-wide config (/etc/webhooklog/<filename>)
func DefaultConfigPaths(filename string) []string {
	return []string{
		filepath.Join(".", filename),
		filepath.Join(".", "config", filename),
		filepath.Join(SystemConfigDir, filename),
	}
}

// FindConfigOptional searches for a config file in default locations.
// Returns the path if found, or empty string if not found.
func FindConfigOptional(filename string) string {
	return SearchPathsOptional(DefaultConfigPaths(filename))
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
