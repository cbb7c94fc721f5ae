package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/seqno"
)

// Packet header constants.
const (
	Magic     = 42
	Version   = 2
	HeaderLen = 4
)

// ErrMalformed is returned by Parse for packets that cannot be decoded.
var ErrMalformed = errors.New("message: malformed packet")

// Type is a TLV type.
type Type uint8

const (
	TypePad1         Type = 0
	TypePadN         Type = 1
	TypeAckReq       Type = 2
	TypeAck          Type = 3
	TypeHello        Type = 4
	TypeIHU          Type = 5
	TypeRouterID     Type = 6
	TypeNextHop      Type = 7
	TypeUpdate       Type = 8
	TypeRequest      Type = 9
	TypeSeqnoRequest Type = 10
)

// Address encodings.
const (
	aeWildcard  = 0
	aeIPv4      = 1
	aeIPv6      = 2
	aeLinkLocal = 3
)

// Update flags.
const (
	flagDefaultPrefix = 0x80
	flagRouterID      = 0x40
)

// TLV is a decoded protocol message.
type TLV interface {
	Type() Type
	appendTo(b []byte) []byte
}

// Hello announces presence on a link. Interval is in centiseconds.
type Hello struct {
	Seqno    seqno.Seqno
	Interval uint16
}

// IHU reports the cost of hearing a neighbour. An invalid Address is the
// wildcard.
type IHU struct {
	RxCost   uint16
	Interval uint16
	Address  netip.Addr
}

// RouterID sets the originator of subsequent updates.
type RouterID struct {
	ID identity.RouterID
}

// NextHop sets the next hop of subsequent updates.
type NextHop struct {
	Address netip.Addr
}

// Update announces or retracts a route. An invalid Prefix with an infinite
// metric is a wildcard retraction.
type Update struct {
	Prefix   netip.Prefix
	Interval uint16
	Seqno    seqno.Seqno
	Metric   uint16
}

// Request asks for an update. An invalid Prefix requests a full dump.
type Request struct {
	Prefix netip.Prefix
}

func (Hello) Type() Type    { return TypeHello }
func (IHU) Type() Type      { return TypeIHU }
func (RouterID) Type() Type { return TypeRouterID }
func (NextHop) Type() Type  { return TypeNextHop }
func (Update) Type() Type   { return TypeUpdate }
func (Request) Type() Type  { return TypeRequest }

// Wildcard reports whether u retracts everything.
func (u Update) Wildcard() bool { return !u.Prefix.IsValid() }

func (h Hello) appendTo(b []byte) []byte {
	b = append(b, byte(TypeHello), 6, 0, 0)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Seqno))
	return binary.BigEndian.AppendUint16(b, h.Interval)
}

func (h IHU) appendTo(b []byte) []byte {
	ae, addr := encodeAddr(h.Address)
	b = append(b, byte(TypeIHU), byte(6+len(addr)), ae, 0)
	b = binary.BigEndian.AppendUint16(b, h.RxCost)
	b = binary.BigEndian.AppendUint16(b, h.Interval)
	return append(b, addr...)
}

func (r RouterID) appendTo(b []byte) []byte {
	b = append(b, byte(TypeRouterID), 10, 0, 0)
	return append(b, r.ID[:]...)
}

func (n NextHop) appendTo(b []byte) []byte {
	ae, addr := encodeAddr(n.Address)
	b = append(b, byte(TypeNextHop), byte(2+len(addr)), ae, 0)
	return append(b, addr...)
}

func (u Update) appendTo(b []byte) []byte {
	ae, plen, body := encodePrefix(u.Prefix)
	b = append(b, byte(TypeUpdate), byte(10+len(body)), ae, 0, plen, 0)
	b = binary.BigEndian.AppendUint16(b, u.Interval)
	b = binary.BigEndian.AppendUint16(b, uint16(u.Seqno))
	b = binary.BigEndian.AppendUint16(b, u.Metric)
	return append(b, body...)
}

func (r Request) appendTo(b []byte) []byte {
	ae, plen, body := encodePrefix(r.Prefix)
	b = append(b, byte(TypeRequest), byte(2+len(body)), ae, plen)
	return append(b, body...)
}

// Append encodes t after b.
func Append(b []byte, t TLV) []byte { return t.appendTo(b) }

// Size returns the encoded length of t.
func Size(t TLV) int { return len(t.appendTo(make([]byte, 0, 32))) }

// Packet prefixes body with the packet header.
func Packet(body []byte) []byte {
	p := make([]byte, 0, HeaderLen+len(body))
	p = append(p, Magic, Version)
	p = binary.BigEndian.AppendUint16(p, uint16(len(body)))
	return append(p, body...)
}

func encodeAddr(a netip.Addr) (ae byte, b []byte) {
	switch {
	case !a.IsValid():
		return aeWildcard, nil
	case a.Is4():
		v := a.As4()
		return aeIPv4, v[:]
	case isFE80(a):
		v := a.As16()
		return aeLinkLocal, v[8:]
	default:
		v := a.As16()
		return aeIPv6, v[:]
	}
}

// isFE80 reports whether a lies in fe80::/64, the only range the compact
// link-local encoding can carry.
func isFE80(a netip.Addr) bool {
	if !a.Is6() || a.Is4In6() {
		return false
	}
	v := a.As16()
	return v[0] == 0xfe && v[1] == 0x80 && v[2] == 0 && v[3] == 0 &&
		v[4] == 0 && v[5] == 0 && v[6] == 0 && v[7] == 0
}

func encodePrefix(p netip.Prefix) (ae, plen byte, b []byte) {
	if !p.IsValid() {
		return aeWildcard, 0, nil
	}
	n := (p.Bits() + 7) / 8
	if p.Addr().Is4() {
		v := p.Masked().Addr().As4()
		return aeIPv4, byte(p.Bits()), v[:n]
	}
	v := p.Masked().Addr().As16()
	return aeIPv6, byte(p.Bits()), v[:n]
}

// decoder carries the state that persists between TLVs of one packet.
type decoder struct {
	defaultV4 [4]byte
	defaultV6 [16]byte
}

// Parse decodes a packet. Unknown TLVs are skipped. Pad, acknowledgement and
// seqno request TLVs are consumed without being returned. An Update with the
// router-id flag yields a RouterID before it.
func Parse(packet []byte) ([]TLV, error) {
	if len(packet) < HeaderLen {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if packet[0] != Magic || packet[1] != Version {
		return nil, fmt.Errorf("%w: bad magic or version %d/%d", ErrMalformed, packet[0], packet[1])
	}
	bodyLen := int(binary.BigEndian.Uint16(packet[2:4]))
	if bodyLen > len(packet)-HeaderLen {
		return nil, fmt.Errorf("%w: body length %d exceeds packet", ErrMalformed, bodyLen)
	}
	body := packet[HeaderLen : HeaderLen+bodyLen]

	var d decoder
	var out []TLV
	for i := 0; i < len(body); {
		typ := Type(body[i])
		if typ == TypePad1 {
			i++
			continue
		}
		if i+2 > len(body) {
			return out, fmt.Errorf("%w: truncated TLV at %d", ErrMalformed, i)
		}
		l := int(body[i+1])
		if i+2+l > len(body) {
			return out, fmt.Errorf("%w: TLV type %d overruns packet", ErrMalformed, typ)
		}
		tlvs, err := d.decode(typ, body[i+2:i+2+l])
		if err != nil {
			return out, err
		}
		out = append(out, tlvs...)
		i += 2 + l
	}
	return out, nil
}

func (d *decoder) decode(typ Type, v []byte) ([]TLV, error) {
	switch typ {
	case TypeHello:
		if len(v) < 6 {
			return nil, fmt.Errorf("%w: short hello", ErrMalformed)
		}
		return []TLV{Hello{
			Seqno:    seqno.Seqno(binary.BigEndian.Uint16(v[2:4])),
			Interval: binary.BigEndian.Uint16(v[4:6]),
		}}, nil

	case TypeIHU:
		if len(v) < 6 {
			return nil, fmt.Errorf("%w: short IHU", ErrMalformed)
		}
		addr, err := decodeAddr(v[0], v[6:])
		if err != nil {
			return nil, err
		}
		return []TLV{IHU{
			RxCost:   binary.BigEndian.Uint16(v[2:4]),
			Interval: binary.BigEndian.Uint16(v[4:6]),
			Address:  addr,
		}}, nil

	case TypeRouterID:
		if len(v) < 10 {
			return nil, fmt.Errorf("%w: short router-id", ErrMalformed)
		}
		var r RouterID
		copy(r.ID[:], v[2:10])
		return []TLV{r}, nil

	case TypeNextHop:
		if len(v) < 2 {
			return nil, fmt.Errorf("%w: short next-hop", ErrMalformed)
		}
		addr, err := decodeAddr(v[0], v[2:])
		if err != nil {
			return nil, err
		}
		return []TLV{NextHop{Address: addr}}, nil

	case TypeUpdate:
		if len(v) < 10 {
			return nil, fmt.Errorf("%w: short update", ErrMalformed)
		}
		ae, flags, plen, omitted := v[0], v[1], v[2], v[3]
		prefix, err := d.decodePrefix(ae, plen, omitted, v[10:], flags&flagDefaultPrefix != 0)
		if err != nil {
			return nil, err
		}
		u := Update{
			Prefix:   prefix,
			Interval: binary.BigEndian.Uint16(v[4:6]),
			Seqno:    seqno.Seqno(binary.BigEndian.Uint16(v[6:8])),
			Metric:   binary.BigEndian.Uint16(v[8:10]),
		}
		if flags&flagRouterID != 0 && prefix.IsValid() && prefix.Addr().Is6() {
			a := prefix.Addr().As16()
			var r RouterID
			copy(r.ID[:], a[8:])
			return []TLV{r, u}, nil
		}
		return []TLV{u}, nil

	case TypeRequest:
		if len(v) < 2 {
			return nil, fmt.Errorf("%w: short request", ErrMalformed)
		}
		prefix, err := d.decodePrefix(v[0], v[1], 0, v[2:], false)
		if err != nil {
			return nil, err
		}
		return []TLV{Request{Prefix: prefix}}, nil

	default:
		return nil, nil
	}
}

func decodeAddr(ae byte, v []byte) (netip.Addr, error) {
	switch ae {
	case aeWildcard:
		return netip.Addr{}, nil
	case aeIPv4:
		if len(v) < 4 {
			return netip.Addr{}, fmt.Errorf("%w: short IPv4 address", ErrMalformed)
		}
		return netip.AddrFrom4([4]byte(v[:4])), nil
	case aeIPv6:
		if len(v) < 16 {
			return netip.Addr{}, fmt.Errorf("%w: short IPv6 address", ErrMalformed)
		}
		return netip.AddrFrom16([16]byte(v[:16])), nil
	case aeLinkLocal:
		if len(v) < 8 {
			return netip.Addr{}, fmt.Errorf("%w: short link-local address", ErrMalformed)
		}
		var a [16]byte
		a[0], a[1] = 0xfe, 0x80
		copy(a[8:], v[:8])
		return netip.AddrFrom16(a), nil
	default:
		return netip.Addr{}, fmt.Errorf("%w: unknown address encoding %d", ErrMalformed, ae)
	}
}

func (d *decoder) decodePrefix(ae, plen, omitted byte, v []byte, setDefault bool) (netip.Prefix, error) {
	var full []byte
	switch ae {
	case aeWildcard:
		if plen != 0 {
			return netip.Prefix{}, fmt.Errorf("%w: wildcard with prefix length %d", ErrMalformed, plen)
		}
		return netip.Prefix{}, nil
	case aeIPv4:
		full = d.defaultV4[:]
	case aeIPv6:
		full = d.defaultV6[:]
	case aeLinkLocal:
		if plen != 128 || len(v) < 8 {
			return netip.Prefix{}, fmt.Errorf("%w: bad link-local prefix", ErrMalformed)
		}
		var a [16]byte
		a[0], a[1] = 0xfe, 0x80
		copy(a[8:], v[:8])
		return netip.PrefixFrom(netip.AddrFrom16(a), 128), nil
	default:
		return netip.Prefix{}, fmt.Errorf("%w: unknown address encoding %d", ErrMalformed, ae)
	}

	if int(plen) > len(full)*8 || int(omitted) > len(full) {
		return netip.Prefix{}, fmt.Errorf("%w: prefix length %d omitted %d", ErrMalformed, plen, omitted)
	}
	n := (int(plen)+7)/8 - int(omitted)
	if n < 0 || n > len(v) {
		return netip.Prefix{}, fmt.Errorf("%w: prefix bytes", ErrMalformed)
	}
	var buf [16]byte
	copy(buf[:omitted], full[:omitted])
	copy(buf[omitted:], v[:n])
	if setDefault {
		copy(full, buf[:len(full)])
	}

	var addr netip.Addr
	if ae == aeIPv4 {
		addr = netip.AddrFrom4([4]byte(buf[:4]))
	} else {
		addr = netip.AddrFrom16(buf)
	}
	return netip.PrefixFrom(addr, int(plen)).Masked(), nil
}
