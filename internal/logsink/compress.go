package logsink

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"webhooklog/internal/security"
)

// compressFile gzips src into src+".gz" and removes src.
//
// The archive is written under a temporary name and renamed into place, so a
// crash never leaves a truncated .gz next to a deleted original.
func compressFile(src string) error {
	dst := src + compressedSuffix
	tmp := dst + ".tmp"

	_ = os.Remove(tmp)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := security.CreateSecureFile(tmp, security.PermLogFile)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename compressed file: %w", err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove %s after compression: %w", src, err)
	}

	return nil
}
