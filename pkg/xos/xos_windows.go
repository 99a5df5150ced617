//go:build windows

package xos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFile writes data to a temp file in the target directory and renames
// it over filename. Windows cannot rename over an open file, so the target is
// removed first.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	_, err := WriteReader(filename, bytes.NewReader(data), perm)
	return err
}

// WriteJSON marshals v with indentation and writes it.
func WriteJSON(filename string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(filename), err)
	}
	return WriteFile(filename, append(data, '\n'), perm)
}

// WriteReader streams r into a temp file and renames it into place.
func WriteReader(filename string, r io.Reader, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return n, err
	}
	if _, err := os.Stat(filename); err == nil {
		if err := os.Remove(filename); err != nil {
			return n, err
		}
	}
	return n, os.Rename(tmpName, filename)
}

// CopyFile copies src to dst, keeping the source permission bits.
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
