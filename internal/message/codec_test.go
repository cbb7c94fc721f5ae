package message

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/babelcore/internal/identity"
)

func packet(tlvs ...TLV) []byte {
	var body []byte
	for _, t := range tlvs {
		body = Append(body, t)
	}
	return Packet(body)
}

func TestParse_RoundTrip(t *testing.T) {
	tlvs := []TLV{
		Hello{Seqno: 7, Interval: 400},
		IHU{RxCost: 96, Interval: 1200, Address: netip.MustParseAddr("fe80::2")},
		IHU{RxCost: 256, Interval: 1200},
		RouterID{ID: identity.RouterID{1, 2, 3, 4, 5, 6, 7, 8}},
		NextHop{Address: netip.MustParseAddr("2001:db8::1")},
		Update{Prefix: netip.MustParsePrefix("2001:db8:1::/48"), Interval: 1600, Seqno: 9, Metric: 192},
		Update{Prefix: netip.MustParsePrefix("10.1.0.0/16"), Interval: 1600, Seqno: 9, Metric: 0},
		Request{},
		Request{Prefix: netip.MustParsePrefix("2001:db8:2::/64")},
	}
	got, err := Parse(packet(tlvs...))
	require.NoError(t, err)
	assert.Equal(t, tlvs, got)
}

func TestPacket_Header(t *testing.T) {
	p := packet(Hello{Seqno: 1, Interval: 100})
	require.Len(t, p, HeaderLen+8)
	assert.Equal(t, []byte{Magic, Version, 0, 8}, p[:HeaderLen])
	assert.Equal(t, 8, Size(Hello{}))
	assert.Equal(t, 12, Size(RouterID{}))
}

func TestEncode_LinkLocalCompact(t *testing.T) {
	short := Size(IHU{Address: netip.MustParseAddr("fe80::2")})
	long := Size(IHU{Address: netip.MustParseAddr("fe80:1::2")})
	assert.Equal(t, 16, short)
	assert.Equal(t, 24, long, "outside fe80::/64 needs the full address")
}

func TestParse_SkipsPaddingAndUnknown(t *testing.T) {
	body := []byte{
		byte(TypePad1),
		byte(TypePadN), 2, 0, 0,
		200, 1, 0xff, // unknown type
		byte(TypeAckReq), 6, 0, 0, 0, 1, 0, 10,
	}
	body = Append(body, Hello{Seqno: 3, Interval: 400})
	got, err := Parse(Packet(body))
	require.NoError(t, err)
	assert.Equal(t, []TLV{Hello{Seqno: 3, Interval: 400}}, got)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
	}{
		{"short header", []byte{Magic, Version}},
		{"bad magic", []byte{43, Version, 0, 0}},
		{"bad version", []byte{Magic, 1, 0, 0}},
		{"body overruns", []byte{Magic, Version, 0, 10, 0}},
		{"truncated tlv", []byte{Magic, Version, 0, 1, byte(TypeHello)}},
		{"tlv overruns", []byte{Magic, Version, 0, 3, byte(TypeHello), 6, 0}},
		{"short hello", []byte{Magic, Version, 0, 4, byte(TypeHello), 2, 0, 0}},
		{"bad ae", []byte{Magic, Version, 0, 4, byte(TypeRequest), 2, 9, 0}},
		{"wildcard with length", []byte{Magic, Version, 0, 4, byte(TypeRequest), 2, 0, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.packet)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_TrailingBytesIgnored(t *testing.T) {
	p := append(packet(Hello{Seqno: 1, Interval: 100}), 0xde, 0xad)
	got, err := Parse(p)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestParse_DefaultPrefixCompression(t *testing.T) {
	body := []byte{
		// 2001:db8:1:2::/64, sets the default prefix.
		byte(TypeUpdate), 18, aeIPv6, flagDefaultPrefix, 64, 0,
		0x06, 0x40, 0, 5, 0, 100,
		0x20, 0x01, 0x0d, 0xb8, 0x00, 0x01, 0x00, 0x02,
		// 2001:db8:3:4::/64 with the first four bytes omitted.
		byte(TypeUpdate), 14, aeIPv6, 0, 64, 4,
		0x06, 0x40, 0, 5, 0, 200,
		0x00, 0x03, 0x00, 0x04,
	}
	got, err := Parse(Packet(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Update{Prefix: netip.MustParsePrefix("2001:db8:1:2::/64"), Interval: 1600, Seqno: 5, Metric: 100}, got[0])
	assert.Equal(t, Update{Prefix: netip.MustParsePrefix("2001:db8:3:4::/64"), Interval: 1600, Seqno: 5, Metric: 200}, got[1])
}

func TestParse_OmittedBeyondPrefix(t *testing.T) {
	body := []byte{
		byte(TypeUpdate), 10, aeIPv6, 0, 16, 4,
		0, 1, 0, 1, 0, 1,
	}
	_, err := Parse(Packet(body))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParse_RouterIDFlag(t *testing.T) {
	body := []byte{
		byte(TypeUpdate), 26, aeIPv6, flagRouterID, 128, 0,
		0x06, 0x40, 0, 5, 0, 0,
		0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 7,
	}
	got, err := Parse(Packet(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RouterID{ID: identity.RouterID{0, 0, 0, 0, 0, 0, 0, 7}}, got[0])
	assert.Equal(t, netip.MustParsePrefix("2001:db8::7/128"), got[1].(Update).Prefix)
}

func TestUpdate_Wildcard(t *testing.T) {
	assert.True(t, Update{}.Wildcard())
	assert.False(t, Update{Prefix: netip.MustParsePrefix("::/0")}.Wildcard())
}
