// Package logging sets up the daemon's slog logger and its optional log
// file.
//
// The log file is installed by duplicating it onto the standard output and
// error descriptors, so everything the process writes lands in it. Reopen
// repeats that, which lets an external rotator move the file away and signal
// a reload.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level maps the daemon's debug verbosity onto a slog level.
func Level(debug int) slog.Level {
	if debug >= 2 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// NewLogger returns a text logger on w at the level for debug.
func NewLogger(w io.Writer, debug int) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(debug)}))
}

// File is a log destination that can be reopened in place.
type File struct {
	path    string
	targets []int
}

// NewFile returns a File writing path onto the given descriptors, standard
// output and standard error when none are given. Nothing is opened until
// Reopen.
func NewFile(path string, targets ...int) *File {
	if len(targets) == 0 {
		targets = []int{int(os.Stdout.Fd()), int(os.Stderr.Fd())}
	}
	return &File{path: path, targets: targets}
}

// Path returns the log file path.
func (f *File) Path() string { return f.path }

// Reopen opens the path for appending, creating it if needed, and installs
// it on every target descriptor.
func (f *File) Reopen() error {
	fd, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", f.path, err)
	}
	defer fd.Close()
	for _, target := range f.targets {
		if err := dupOnto(int(fd.Fd()), target); err != nil {
			return fmt.Errorf("logging: redirect fd %d to %s: %w", target, f.path, err)
		}
	}
	return nil
}

// NullStdin points standard input at the null device.
func NullStdin() error {
	null, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", os.DevNull, err)
	}
	defer null.Close()
	if err := dupOnto(int(null.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("logging: redirect stdin: %w", err)
	}
	return nil
}
