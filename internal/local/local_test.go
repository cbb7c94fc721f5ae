package local

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *Server {
	t.Helper()
	s, err := Listen(0, nil)
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func accept(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp6", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool {
		err := s.Accept()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestAccept_NothingPending(t *testing.T) {
	s := listen(t)
	assert.Greater(t, s.ListenerFD(), 0)
	assert.Equal(t, -1, s.ConnFD())
	assert.ErrorIs(t, s.Accept(), ErrWouldBlock)
	assert.Nil(t, s.Writer())
}

func TestRead_DumpCommand(t *testing.T) {
	s := listen(t)
	c := accept(t, s)
	assert.True(t, s.Connected())
	assert.Greater(t, s.ConnFD(), 0)

	_, err := c.Write([]byte("du"))
	require.NoError(t, err)
	_, err = c.Write([]byte("mp\nnoise\n"))
	require.NoError(t, err)

	got := CommandNone
	require.Eventually(t, func() bool {
		cmd, err := s.Read()
		if cmd == CommandDump {
			got = cmd
		}
		return got == CommandDump || (err != nil && !errors.Is(err, ErrWouldBlock))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, CommandDump, got)
}

func TestWriter(t *testing.T) {
	s := listen(t)
	c := accept(t, s)

	w := s.Writer()
	require.NotNil(t, w)
	_, err := io.WriteString(w, "my-id 02:00:00:00:00:00:00:01 seqno 7\n")
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "my-id 02:00:00:00:00:00:00:01 seqno 7\n", line)
}

func TestRead_EOFCloses(t *testing.T) {
	s := listen(t)
	c := accept(t, s)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		_, err := s.Read()
		return errors.Is(err, io.EOF)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Connected())
	assert.Equal(t, -1, s.ConnFD())
}

func TestAccept_ReplacesPrevious(t *testing.T) {
	s := listen(t)
	first := accept(t, s)
	accept(t, s)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := first.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "previous connection is closed by the server")
}

func TestWriter_StalledClientIsDropped(t *testing.T) {
	s := listen(t)
	s.writeTimeout = 50 * time.Millisecond
	c := accept(t, s)
	require.NoError(t, c.(*net.TCPConn).SetReadBuffer(4096))

	// The client never reads, so the send buffer fills and the deadline hits.
	chunk := make([]byte, 1<<20)
	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 64 && err == nil; i++ {
			_, err = s.Writer().Write(chunk)
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(10 * time.Second):
		t.Fatal("write to a stalled client did not time out")
	}
	assert.False(t, s.Connected())
	assert.Equal(t, -1, s.ConnFD())
	assert.Nil(t, s.Writer())
}
