//go:build linux

package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func nlmsg(typ uint16, payload int) []byte {
	length := unix.SizeofNlMsghdr + payload
	b := make([]byte, nlmAlign(length))
	binary.NativeEndian.PutUint32(b[0:4], uint32(length))
	binary.NativeEndian.PutUint16(b[4:6], typ)
	return b
}

func TestParseChanges(t *testing.T) {
	tests := []struct {
		name string
		msgs [][]byte
		want Change
	}{
		{"empty", nil, 0},
		{"link", [][]byte{nlmsg(unix.RTM_NEWLINK, 16)}, ChangeLink},
		{"addr", [][]byte{nlmsg(unix.RTM_DELADDR, 8)}, ChangeAddr},
		{"route", [][]byte{nlmsg(unix.RTM_NEWROUTE, 12)}, ChangeRoute},
		{"mixed", [][]byte{nlmsg(unix.RTM_DELLINK, 3), nlmsg(unix.RTM_NEWROUTE, 0)}, ChangeLink | ChangeRoute},
		{"ignored", [][]byte{nlmsg(unix.NLMSG_DONE, 4)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf []byte
			for _, m := range tt.msgs {
				buf = append(buf, m...)
			}
			assert.Equal(t, tt.want, parseChanges(buf))
		})
	}
}

func TestParseChanges_Truncated(t *testing.T) {
	good := nlmsg(unix.RTM_NEWADDR, 8)
	bad := nlmsg(unix.RTM_NEWROUTE, 64)
	buf := append(good, bad[:20]...)
	assert.Equal(t, ChangeAddr, parseChanges(buf))

	short := nlmsg(unix.RTM_NEWLINK, 0)
	binary.NativeEndian.PutUint32(short[0:4], 4)
	assert.Equal(t, Change(0), parseChanges(short), "length below header size stops parsing")
}

func TestOpenMonitor(t *testing.T) {
	m, err := OpenMonitor()
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, m.FD(), 0)
	_, err = m.Read()
	assert.NoError(t, err)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
