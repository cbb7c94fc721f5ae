package persist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/seqno"
)

var (
	// ErrMalformed is returned when the state record cannot be parsed.
	ErrMalformed = errors.New("persist: malformed state record")

	// ErrStale is returned when the record could not be unlinked after
	// opening. Its contents are ignored.
	ErrStale = errors.New("persist: state record could not be consumed")
)

// maxRecordLen bounds how much of the file is read.
const maxRecordLen = 99

// Record is the persisted identity and sequence state.
type Record struct {
	ID    identity.RouterID
	Seqno seqno.Seqno
	// Time is the wall-clock time of the write, in unix seconds.
	Time int64
}

// String returns the single-line on-disk form, including the trailing
// newline.
func (r Record) String() string {
	return fmt.Sprintf("%s %d %d\n", r.ID, r.Seqno, r.Time)
}

// ParseRecord parses the on-disk form. Surrounding whitespace and a trailing
// newline are tolerated.
func ParseRecord(text []byte) (Record, error) {
	fields := strings.Fields(string(text))
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(fields))
	}
	id, err := identity.Parse(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	s, err := strconv.Atoi(fields[1])
	if err != nil || s < 0 || s > 0xFFFF {
		return Record{}, fmt.Errorf("%w: seqno %q", ErrMalformed, fields[1])
	}
	t, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: time %q", ErrMalformed, fields[2])
	}
	return Record{ID: id, Seqno: seqno.Seqno(s), Time: t}, nil
}

// Consume reads the record at path and removes it so it can never be read
// twice. An absent file yields (nil, nil). If the file was opened but could
// not be unlinked the contents are ignored and ErrStale is returned.
func Consume(path string) (*Record, error) {
	f, err := os.Open(path)
	// Unlink even when unreadable so a bad record does not outlive this run.
	rmErr := os.Remove(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	if rmErr != nil {
		return nil, fmt.Errorf("%w: unlink %s: %w", ErrStale, path, rmErr)
	}
	return readRecord(f)
}

// Peek reads the record without removing it.
func Peek(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()
	return readRecord(f)
}

func readRecord(r io.Reader) (*Record, error) {
	buf, err := io.ReadAll(io.LimitReader(r, maxRecordLen))
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	rec, err := ParseRecord(buf)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save writes rec to path and fsyncs it. On any failure the file is removed
// rather than left half-written.
func Save(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("create state file: %w", err)
	}
	line := rec.String()
	if len(line) > maxRecordLen+1 {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write state file: record overflow (%d bytes)", len(line))
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close state file: %w", err)
	}
	return nil
}
