package signals

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Request is an asynchronous request delivered by a signal.
type Request int

const (
	// Terminate requests a graceful shutdown.
	Terminate Request = iota
	// Dump requests a state snapshot on the operational output.
	Dump
	// Reload reports that configuration or interfaces changed.
	Reload

	numRequests
)

func (r Request) String() string {
	switch r {
	case Terminate:
		return "terminate"
	case Dump:
		return "dump"
	case Reload:
		return "reload"
	default:
		return fmt.Sprintf("request(%d)", int(r))
	}
}

// Bridge turns signals into flags that the reactor drains.
//
// The signal goroutine does exactly two things per signal: an atomic flag
// store and a one-byte write to a non-blocking wake pipe. It never logs,
// allocates, or touches reactor state. The read end of the pipe is
// registered with the poller so a signal cuts the wait short.
type Bridge struct {
	flags [numRequests]atomic.Bool

	rfd, wfd int

	sigCh     chan os.Signal
	stop      chan struct{}
	wg        sync.WaitGroup
	installed bool
	closeOnce sync.Once
}

// New creates a bridge with its wake pipe. Signals are not intercepted until
// Install is called.
func New() (*Bridge, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("set wake pipe non-blocking: %w", err)
		}
	}
	return &Bridge{rfd: p[0], wfd: p[1]}, nil
}

// FD returns the read end of the wake pipe.
func (b *Bridge) FD() int { return b.rfd }

// Raise sets the flag for r and wakes the reactor.
func (b *Bridge) Raise(r Request) {
	b.flags[r].Store(true)
	// EAGAIN means the pipe is full and the reactor is already woken.
	_, _ = unix.Write(b.wfd, []byte{byte(r)})
}

// Pending reports whether r is set, without clearing it.
func (b *Bridge) Pending(r Request) bool {
	return b.flags[r].Load()
}

// Take clears r and reports whether it was set.
func (b *Bridge) Take(r Request) bool {
	return b.flags[r].CompareAndSwap(true, false)
}

// Drain empties the wake pipe. Flags are left untouched.
func (b *Bridge) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(b.rfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Install starts intercepting signals. SIGPIPE is ignored so that a peer
// closing the local control connection cannot kill the process.
func (b *Bridge) Install() {
	if b.installed {
		return
	}
	b.installed = true
	signal.Ignore(syscall.SIGPIPE)

	mapping := requestSignals()
	sigs := make([]os.Signal, 0, len(mapping))
	for sig := range mapping {
		sigs = append(sigs, sig)
	}
	ch, stop := make(chan os.Signal, 8), make(chan struct{})
	b.sigCh, b.stop = ch, stop
	signal.Notify(ch, sigs...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case sig := <-ch:
				if r, ok := mapping[sig]; ok {
					b.Raise(r)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Uninstall restores default signal handling. Flags already raised are
// kept, and Install may be called again.
func (b *Bridge) Uninstall() {
	if !b.installed {
		return
	}
	b.installed = false
	signal.Stop(b.sigCh)
	signal.Reset(syscall.SIGPIPE)
	close(b.stop)
	b.wg.Wait()
}

// Close stops signal interception and releases the wake pipe.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.Uninstall()
		err = errors.Join(unix.Close(b.rfd), unix.Close(b.wfd))
	})
	return err
}
