// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile verifies an encoded envelope and writes it atomically to
// path: the bytes go to a temporary file in the same directory, which
// is fsynced and renamed into place. Readers never see a partial
// envelope. The file is created with mode 0600.
func WriteFile(path string, encoded []byte) (Envelope, error) {
	envelope, err := Open(encoded)
	if err != nil {
		return Envelope{}, err
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Envelope{}, fmt.Errorf("creating temporary migration file: %w", err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return Envelope{}, fmt.Errorf("writing temporary migration file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return Envelope{}, fmt.Errorf("syncing temporary migration file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return Envelope{}, fmt.Errorf("closing temporary migration file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return Envelope{}, fmt.Errorf("renaming migration file into place: %w", err)
	}

	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return envelope, nil
}

// ReadFile reads an envelope written by WriteFile and verifies it.
// Returns the encoded bytes ready to send and the decoded envelope.
// When the file does not exist the error wraps os.ErrNotExist.
func ReadFile(path string) ([]byte, Envelope, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, Envelope{}, err
	}
	envelope, err := Open(encoded)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("migration file %s: %w", path, err)
	}
	return encoded, envelope, nil
}
