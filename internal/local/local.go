// Package local is the local control channel: a TCP listener on the IPv6
// loopback address serving at most one connection at a time.
//
// A new connection replaces the previous one. Each line received is a
// command; "dump" asks for a state snapshot.
package local

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a readiness notification turned out to be
// spurious.
var ErrWouldBlock = errors.New("local: would block")

// Command is a request read from the control connection.
type Command int

const (
	CommandNone Command = iota
	CommandDump
)

const maxLine = 1024

// WriteTimeout bounds each write to the control connection. A client that
// stops reading is disconnected.
const WriteTimeout = time.Second

// Server owns the listener and the current connection.
type Server struct {
	ln     *net.TCPListener
	lnRaw  syscall.RawConn
	lnFD   int
	conn   *net.TCPConn
	connFD int
	line   []byte
	logger *slog.Logger

	writeTimeout time.Duration
}

// Listen binds [::1]:port.
func Listen(port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := net.Listen("tcp6", net.JoinHostPort("::1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("local: listen: %w", err)
	}
	s := &Server{ln: l.(*net.TCPListener), connFD: -1, logger: logger, writeTimeout: WriteTimeout}
	raw, err := s.ln.SyscallConn()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("local: raw listener: %w", err)
	}
	s.lnRaw = raw
	if err := raw.Control(func(fd uintptr) { s.lnFD = int(fd) }); err != nil {
		l.Close()
		return nil, fmt.Errorf("local: listener fd: %w", err)
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// ListenerFD returns the listener descriptor to poll.
func (s *Server) ListenerFD() int { return s.lnFD }

// ConnFD returns the connection descriptor to poll, or -1 when there is no
// connection.
func (s *Server) ConnFD() int { return s.connFD }

// Connected reports whether a control connection is open.
func (s *Server) Connected() bool { return s.conn != nil }

// Accept takes a pending connection without blocking, closing the previous
// one.
func (s *Server) Accept() error {
	var (
		nfd  int
		aerr error
	)
	err := s.lnRaw.Read(func(fd uintptr) bool {
		nfd, _, aerr = unix.Accept(int(fd))
		return true
	})
	if err == nil {
		err = aerr
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return ErrWouldBlock
		}
		return fmt.Errorf("local: accept: %w", err)
	}

	f := os.NewFile(uintptr(nfd), "local-control")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("local: wrap connection: %w", err)
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return fmt.Errorf("local: unexpected connection type %T", c)
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		tc.Close()
		return fmt.Errorf("local: raw connection: %w", err)
	}
	var fd int
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		tc.Close()
		return fmt.Errorf("local: connection fd: %w", err)
	}

	s.CloseConn()
	s.conn, s.connFD = tc, fd
	s.logger.Debug("local control connection accepted", "remote", tc.RemoteAddr().String())
	return nil
}

// Read consumes what is available on the connection and returns the last
// complete command seen. End of file or an error closes the connection and
// is returned.
func (s *Server) Read() (Command, error) {
	if s.conn == nil {
		return CommandNone, io.EOF
	}
	raw, err := s.conn.SyscallConn()
	if err != nil {
		s.CloseConn()
		return CommandNone, err
	}
	var (
		buf  [512]byte
		n    int
		rerr error
	)
	err = raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf[:])
		return true
	})
	if err == nil {
		err = rerr
	}
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return CommandNone, ErrWouldBlock
	case err != nil:
		s.CloseConn()
		return CommandNone, fmt.Errorf("local: read: %w", err)
	case n == 0:
		s.CloseConn()
		return CommandNone, io.EOF
	}

	s.line = append(s.line, buf[:n]...)
	cmd := CommandNone
	for {
		i := bytes.IndexByte(s.line, '\n')
		if i < 0 {
			break
		}
		if parseCommand(string(s.line[:i])) == CommandDump {
			cmd = CommandDump
		}
		s.line = s.line[i+1:]
	}
	if len(s.line) > maxLine {
		s.line = s.line[:0]
	}
	return cmd, nil
}

func parseCommand(line string) Command {
	switch strings.TrimSpace(line) {
	case "dump":
		return CommandDump
	default:
		return CommandNone
	}
}

// Writer returns a writer to the current connection, or nil when there is
// none. A write that fails or times out closes the connection.
func (s *Server) Writer() io.Writer {
	if s.conn == nil {
		return nil
	}
	return connWriter{s}
}

type connWriter struct{ s *Server }

func (w connWriter) Write(p []byte) (int, error) {
	conn := w.s.conn
	if conn == nil {
		return 0, net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(w.s.writeTimeout)); err != nil {
		w.s.CloseConn()
		return 0, fmt.Errorf("local: write deadline: %w", err)
	}
	n, err := conn.Write(p)
	if err != nil {
		w.s.CloseConn()
		return n, fmt.Errorf("local: write: %w", err)
	}
	return n, nil
}

// CloseConn closes the current connection, if any.
func (s *Server) CloseConn() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn, s.connFD = nil, -1
	s.line = s.line[:0]
}

// Close closes the connection and the listener.
func (s *Server) Close() error {
	s.CloseConn()
	return s.ln.Close()
}
