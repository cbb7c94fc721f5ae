// Package socket is the protocol UDP socket: one IPv6 socket bound to the
// protocol port, joined to the multicast group on every up interface.
//
// Reads never block. The reactor polls FD and calls Recv once it is readable;
// a spurious wakeup yields ErrWouldBlock.
package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Recv when no datagram is queued.
var ErrWouldBlock = errors.New("socket: would block")

// DefaultBufSize is the receive buffer size until an interface reports a
// larger MTU.
const DefaultBufSize = 1500

// Datagram is one received packet. Payload aliases the socket's buffer and is
// only valid until the next Recv.
type Datagram struct {
	Payload []byte
	From    netip.Addr
	Ifindex int
}

// Conn is the protocol socket.
type Conn struct {
	udp   *net.UDPConn
	pc    *ipv6.PacketConn
	raw   syscall.RawConn
	fd    int
	port  int
	group netip.Addr

	buf []byte
	oob []byte
}

// Open binds the protocol port on all addresses. Multicast is sent with a hop
// limit of one and not looped back.
func Open(port int, group netip.Addr) (*Conn, error) {
	if !group.Is6() || !group.IsMulticast() {
		return nil, fmt.Errorf("socket: %s is not an IPv6 multicast group", group)
	}
	pconn, err := net.ListenPacket("udp6", net.JoinHostPort("::", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("socket: listen: %w", err)
	}
	udp := pconn.(*net.UDPConn)
	c := &Conn{
		udp:   udp,
		pc:    ipv6.NewPacketConn(udp),
		group: group,
		port:  udp.LocalAddr().(*net.UDPAddr).Port,
		buf:   make([]byte, DefaultBufSize),
		oob:   ipv6.NewControlMessage(ipv6.FlagInterface | ipv6.FlagDst),
	}
	if err := c.setup(); err != nil {
		udp.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) setup() error {
	if err := c.pc.SetMulticastHopLimit(1); err != nil {
		return fmt.Errorf("socket: hop limit: %w", err)
	}
	if err := c.pc.SetMulticastLoopback(false); err != nil {
		return fmt.Errorf("socket: loopback: %w", err)
	}
	if err := c.pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		return fmt.Errorf("socket: control messages: %w", err)
	}
	raw, err := c.udp.SyscallConn()
	if err != nil {
		return fmt.Errorf("socket: raw conn: %w", err)
	}
	c.raw = raw
	return raw.Control(func(fd uintptr) { c.fd = int(fd) })
}

// FD returns the descriptor to poll for readability.
func (c *Conn) FD() int { return c.fd }

// Port returns the bound port.
func (c *Conn) Port() int { return c.port }

// Grow enlarges the receive buffer to at least size bytes. It never shrinks.
func (c *Conn) Grow(size int) {
	if size > len(c.buf) {
		c.buf = make([]byte, size)
	}
}

// BufSize returns the current receive buffer size.
func (c *Conn) BufSize() int { return len(c.buf) }

// Join subscribes ifindex to the multicast group.
func (c *Conn) Join(ifindex int) error {
	err := c.pc.JoinGroup(&net.Interface{Index: ifindex}, &net.UDPAddr{IP: c.group.AsSlice()})
	if err != nil {
		return fmt.Errorf("socket: join %s on %d: %w", c.group, ifindex, err)
	}
	return nil
}

// Leave unsubscribes ifindex from the multicast group.
func (c *Conn) Leave(ifindex int) error {
	err := c.pc.LeaveGroup(&net.Interface{Index: ifindex}, &net.UDPAddr{IP: c.group.AsSlice()})
	if err != nil {
		return fmt.Errorf("socket: leave %s on %d: %w", c.group, ifindex, err)
	}
	return nil
}

// Recv reads one datagram without blocking. The source address carries no
// zone; the arrival interface is in Ifindex.
func (c *Conn) Recv() (Datagram, error) {
	var (
		n, oobn int
		from    unix.Sockaddr
		rerr    error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		n, oobn, _, from, rerr = unix.Recvmsg(int(fd), c.buf, c.oob, unix.MSG_DONTWAIT)
		return true
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return Datagram{}, ErrWouldBlock
		}
		return Datagram{}, fmt.Errorf("socket: recv: %w", err)
	}

	d := Datagram{Payload: c.buf[:n]}
	if sa, ok := from.(*unix.SockaddrInet6); ok {
		d.From = netip.AddrFrom16(sa.Addr).Unmap()
		d.Ifindex = int(sa.ZoneId)
	}
	var cm ipv6.ControlMessage
	if oobn > 0 && cm.Parse(c.oob[:oobn]) == nil && cm.IfIndex > 0 {
		d.Ifindex = cm.IfIndex
	}
	return d, nil
}

// Send writes payload to dst out of the interface with index ifindex.
func (c *Conn) Send(payload []byte, ifindex int, dst netip.Addr) error {
	to := &net.UDPAddr{IP: dst.AsSlice(), Port: c.port}
	if dst.IsLinkLocalUnicast() && ifindex > 0 {
		to.Zone = strconv.Itoa(ifindex)
	}
	var cm *ipv6.ControlMessage
	if ifindex > 0 {
		cm = &ipv6.ControlMessage{IfIndex: ifindex}
	}
	if _, err := c.pc.WriteTo(payload, cm, to); err != nil {
		return fmt.Errorf("socket: send to %s on %d: %w", dst, ifindex, err)
	}
	return nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.pc.Close()
}
