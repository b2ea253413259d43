package editor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// IOError reports a failed read or write of the edited file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

const defaultPerm fs.FileMode = 0600

// rename is replaced in tests to simulate a crash before the file is
// moved into place.
var rename = os.Rename

// Open reads path into a new buffer. Symlinks are resolved so a save
// replaces the target rather than the link.
func Open(path string) (*Buffer, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &IOError{Op: "open", Path: path, Err: errors.New("not a regular file")}
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return NewBuffer(real, data, info.Mode().Perm()), nil
}

// Save atomically replaces the file with the buffer content. The dirty
// flag is cleared only when the rename succeeded.
func (b *Buffer) Save() error {
	perm := b.perm
	if perm == 0 {
		perm = defaultPerm
	}
	if err := writeAtomic(b.path, b.Bytes(), perm); err != nil {
		return &IOError{Op: "save", Path: b.path, Err: err}
	}
	b.dirty = false
	return nil
}

// writeAtomic writes data to a temporary file in the target's directory
// and renames it over path.
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move into place: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Guard decides whether a profile may be edited.
type Guard interface {
	EditAllowed(name string) error
}

// OpenProfile opens the configuration file of profile name after g
// allows it.
func OpenProfile(g Guard, name, path string) (*Buffer, error) {
	if err := g.EditAllowed(name); err != nil {
		return nil, err
	}
	return Open(path)
}
