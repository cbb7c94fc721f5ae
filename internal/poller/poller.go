// Package poller multiplexes readiness over the reactor's small, changing set
// of descriptors.
package poller

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// Token names a registered descriptor. The reactor picks the values.
type Token uint8

// MaxToken is the largest usable token.
const MaxToken Token = 63

// Ready is the set of tokens whose descriptors were readable.
type Ready uint64

// Has reports whether tok is in the set.
func (r Ready) Has(tok Token) bool { return r&(1<<tok) != 0 }

// With returns r plus tok.
func (r Ready) With(tok Token) Ready { return r | 1<<tok }

// Empty reports whether nothing is ready.
func (r Ready) Empty() bool { return r == 0 }

// Poller is the readiness-multiplexing capability used by the reactor.
type Poller interface {
	// Register watches fd for readability under tok, replacing any previous
	// registration of fd.
	Register(fd int, tok Token) error
	// Unregister stops watching fd. Unknown descriptors are ignored.
	Unregister(fd int)
	// Wait blocks up to timeout and returns the ready set. An interrupted
	// wait returns an empty set and no error. A non-positive timeout polls.
	Wait(timeout time.Duration) (Ready, error)
}

type entry struct {
	fd  int
	tok Token
}

// Poll implements Poller with poll(2).
type Poll struct {
	entries []entry
	fds     []unix.PollFd
}

// New returns an empty Poll.
func New() *Poll {
	return &Poll{}
}

// Register implements Poller.
func (p *Poll) Register(fd int, tok Token) error {
	if fd < 0 {
		return fmt.Errorf("register fd %d: invalid descriptor", fd)
	}
	if tok > MaxToken {
		return fmt.Errorf("register fd %d: token %d out of range", fd, tok)
	}
	for i := range p.entries {
		if p.entries[i].fd == fd {
			p.entries[i].tok = tok
			return nil
		}
	}
	p.entries = append(p.entries, entry{fd: fd, tok: tok})
	return nil
}

// Unregister implements Poller.
func (p *Poll) Unregister(fd int) {
	for i := range p.entries {
		if p.entries[i].fd == fd {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered descriptors.
func (p *Poll) Len() int { return len(p.entries) }

// Wait implements Poller.
func (p *Poll) Wait(timeout time.Duration) (Ready, error) {
	p.fds = p.fds[:0]
	for _, e := range p.entries {
		p.fds = append(p.fds, unix.PollFd{Fd: int32(e.fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	var ready Ready
	if n == 0 {
		return ready, nil
	}
	for i, pfd := range p.fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = ready.With(p.entries[i].tok)
		}
	}
	return ready, nil
}

// timeoutMillis rounds up so the wait never ends just short of a deadline.
func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
