package persist

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrPIDFileExists is returned when another instance holds the pid file.
var ErrPIDFileExists = errors.New("persist: pid file already exists")

// PIDFile is an exclusively created pid file.
type PIDFile struct {
	path string
}

// CreatePIDFile creates path exclusively and writes pid in decimal.
// A partially written file is removed before returning the error.
func CreatePIDFile(path string, pid int) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrPIDFileExists, path)
		}
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Remove deletes the pid file. Calling it on a nil PIDFile is a no-op.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
