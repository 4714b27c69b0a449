package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	// PermConfigFile is for configuration and credential files.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for the ingestion log and its rotated copies.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDirectory is for directories created to hold log files.
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750
)

// OpenAppendFile opens path for appending, creating it with perm if it does
// not exist yet. Permissions of an existing file are left untouched.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	_, statErr := os.Lstat(path)
	created := errors.Is(statErr, fs.ErrNotExist)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for append: %w", err)
	}

	// Explicitly set permissions to bypass umask
	if created {
		if err := os.Chmod(path, perm); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to set file permissions: %w", err)
		}
	}

	return file, nil
}

// CreateSecureFile creates a new file with secure permissions.
// If the file exists, it will be truncated.
func CreateSecureFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure file: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set file permissions: %w", err)
	}

	return file, nil
}

// EnsureDir creates path (and parents) with perm when it is missing.
// An existing directory keeps its permissions, so shared locations such as
// /tmp are never tightened.
func EnsureDir(path string, perm os.FileMode) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// MkdirAll is subject to umask
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// EnsureSecurePermissions checks if a file has the expected permissions.
// Returns an error if permissions are too permissive.
func EnsureSecurePermissions(path string, expectedPerm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	actualPerm := info.Mode().Perm()

	if actualPerm&^expectedPerm != 0 {
		return fmt.Errorf("file %s has too permissive permissions: %04o (expected: %04o)",
			path, actualPerm, expectedPerm)
	}

	return nil
}
