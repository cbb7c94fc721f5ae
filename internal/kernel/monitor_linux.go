//go:build linux

package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const monitorGroups = unix.RTMGRP_LINK |
	unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR |
	unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE

type netlinkMonitor struct {
	fd  int
	buf []byte
}

// OpenMonitor subscribes to rtnetlink link, address and route groups.
func OpenMonitor() (Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: monitorGroups}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &netlinkMonitor{fd: fd, buf: make([]byte, 16384)}, nil
}

func (m *netlinkMonitor) FD() int { return m.fd }

func (m *netlinkMonitor) Read() (Change, error) {
	var changes Change
	for {
		n, _, err := unix.Recvfrom(m.fd, m.buf, unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return changes, nil
			}
			if errors.Is(err, unix.ENOBUFS) {
				// Overrun: notifications were lost, assume everything changed.
				changes |= ChangeLink | ChangeAddr | ChangeRoute
				continue
			}
			return changes, fmt.Errorf("netlink read: %w", err)
		}
		if n == 0 {
			return changes, nil
		}
		changes |= parseChanges(m.buf[:n])
	}
}

func (m *netlinkMonitor) Close() error {
	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	return err
}

// parseChanges walks a buffer of netlink messages and classifies them.
// Truncated trailing data is ignored.
func parseChanges(b []byte) Change {
	var changes Change
	for len(b) >= unix.SizeofNlMsghdr {
		length := binary.NativeEndian.Uint32(b[0:4])
		typ := binary.NativeEndian.Uint16(b[4:6])
		if length < unix.SizeofNlMsghdr || int(length) > len(b) {
			break
		}
		switch typ {
		case unix.RTM_NEWLINK, unix.RTM_DELLINK:
			changes |= ChangeLink
		case unix.RTM_NEWADDR, unix.RTM_DELADDR:
			changes |= ChangeAddr
		case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
			changes |= ChangeRoute
		}
		next := nlmAlign(int(length))
		if next > len(b) {
			break
		}
		b = b[next:]
	}
	return changes
}

func nlmAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}
