// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package counter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSaver is a Saver that writes each snapshot as JSON to a file. The file
// is replaced atomically, so a reader never sees a partial write.
type FileSaver struct {
	Path string
}

// Save implements the Saver interface.
func (f FileSaver) Save(s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// LoadFile reads a snapshot written by a FileSaver. If path does not exist,
// LoadFile returns a zero snapshot without error.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	} else if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode %q: %w", path, err)
	}
	return s, nil
}
