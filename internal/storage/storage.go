package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrQuotaExceeded means the store refused a write for lack of space.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Store is a single-document durable store.
type Store interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// FileStore keeps the document in one file with a hard byte budget.
type FileStore struct {
	Path     string
	MaxBytes int64 // 0 disables the budget
}

func NewFileStore(path string, maxBytes int64) *FileStore {
	return &FileStore{Path: path, MaxBytes: maxBytes}
}

// Read returns os.ErrNotExist (wrapped) when the file is missing.
func (f *FileStore) Read() ([]byte, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return b, nil
}

// Write replaces the file using an atomic write pattern.
// 1. Write to a temporary file.
// 2. Sync to ensure data is on disk.
// 3. Rename temporary file to destination (atomic operation).
func (f *FileStore) Write(data []byte) error {
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return fmt.Errorf("%d bytes over budget of %d: %w", len(data), f.MaxBytes, ErrQuotaExceeded)
	}

	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	// Same directory so the rename stays on one filesystem.
	tmpFile := f.Path + ".tmp"
	file, err := os.Create(tmpFile)
	if err != nil {
		return classify("create temp state file", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return classify("write temp state file", err)
	}

	// Force sync to disk to prevent data loss on power failure before rename
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return classify("sync temp state file", err)
	}

	// Close explicitly before renaming (essential on Windows)
	if err := file.Close(); err != nil {
		os.Remove(tmpFile)
		return classify("close temp state file", err)
	}

	if err := os.Rename(tmpFile, f.Path); err != nil {
		return classify("replace state file", err)
	}
	return nil
}

// Quarantine renames the current file to <path>.corrupt so a fresh
// document can be written without destroying the old one.
func (f *FileStore) Quarantine() (string, error) {
	dst := f.Path + ".corrupt"
	if err := os.Rename(f.Path, dst); err != nil {
		return "", fmt.Errorf("quarantine state: %w", err)
	}
	return dst, nil
}

func classify(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%s: %v: %w", op, err, ErrQuotaExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}
