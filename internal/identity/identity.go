package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/babelcore/internal/seqno"
)

// ErrInvalidID is returned when a router id is all-zero or all-ones.
var ErrInvalidID = errors.New("identity: invalid router id")

// RouterID is the 8-byte identity announced to neighbours.
type RouterID [8]byte

// Valid reports whether id is neither all-zero nor all-ones.
func (id RouterID) Valid() bool {
	var zeros, ones RouterID
	for i := range ones {
		ones[i] = 0xFF
	}
	return id != zeros && id != ones
}

// String formats id as eight colon-separated hex octets.
func (id RouterID) String() string {
	var b strings.Builder
	b.Grow(23)
	for i, octet := range id {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex.EncodeToString([]byte{octet}))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (id RouterID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RouterID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse reads the form produced by String. Octets may be one or two hex
// digits.
func Parse(s string) (RouterID, error) {
	var id RouterID
	parts := strings.Split(s, ":")
	if len(parts) != len(id) {
		return RouterID{}, fmt.Errorf("parse router id %q: want %d octets, got %d", s, len(id), len(parts))
	}
	for i, p := range parts {
		if len(p) == 0 || len(p) > 2 {
			return RouterID{}, fmt.Errorf("parse router id %q: bad octet %q", s, p)
		}
		if len(p) == 1 {
			p = "0" + p
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return RouterID{}, fmt.Errorf("parse router id %q: %w", s, err)
		}
		id[i] = b[0]
	}
	return id, nil
}

// FromHardwareAddr derives an EUI-64 from a MAC-48 or EUI-64 hardware
// address. The universal/local bit is inverted as for IPv6 interface ids.
// All-zero and all-ones addresses are rejected.
func FromHardwareAddr(hw []byte) (RouterID, error) {
	var id RouterID
	switch len(hw) {
	case 6:
		copy(id[0:3], hw[0:3])
		id[3], id[4] = 0xFF, 0xFE
		copy(id[5:8], hw[3:6])
	case 8:
		copy(id[:], hw)
	default:
		return RouterID{}, fmt.Errorf("hardware address of length %d: %w", len(hw), ErrInvalidID)
	}
	if allSame(hw, 0) || allSame(hw, 0xFF) {
		return RouterID{}, fmt.Errorf("hardware address %x: %w", hw, ErrInvalidID)
	}
	id[0] ^= 0x02
	return id, nil
}

func allSame(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}

// Self is this instance's announced identity and sequence counter.
//
// The id never changes after startup. The sequence counter only moves forward
// in circular order.
type Self struct {
	ID    RouterID
	Seqno seqno.Seqno
}

// Bump advances the sequence counter by one.
func (s *Self) Bump() {
	s.Seqno = seqno.Plus(s.Seqno, 1)
}

// Overtake advances the counter past seen when seen is not older than ours.
// It returns true when the counter moved.
func (s *Self) Overtake(seen seqno.Seqno) bool {
	if seqno.Compare(seen, s.Seqno) < 0 {
		return false
	}
	s.Seqno = seqno.Plus(seen, 1)
	return true
}
