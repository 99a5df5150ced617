//go:build !windows

// Package xos provides atomic file operations backed by rename.
// Readers never observe a partially written cache record, manifest or
// downloaded object.
package xos

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// WriteFile writes data to the named file atomically using rename.
// Parent directories are created as needed.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(filename, data, perm)
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(filename string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(filename), err)
	}
	return WriteFile(filename, append(data, '\n'), perm)
}

// WriteReader streams r into the named file and renames it into place once
// the copy completed. A failed copy leaves no file behind.
func WriteReader(filename string, r io.Reader, perm os.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return 0, err
	}
	t, err := renameio.TempFile("", filename)
	if err != nil {
		return 0, err
	}
	defer t.Cleanup()

	n, err := io.Copy(t, r)
	if err != nil {
		return n, err
	}

	if err := t.Chmod(perm); err != nil {
		return n, err
	}

	return n, t.CloseAtomicallyReplace()
}

// CopyFile copies src to dst atomically, keeping the source permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	_, err = WriteReader(dst, in, info.Mode().Perm())
	return err
}
