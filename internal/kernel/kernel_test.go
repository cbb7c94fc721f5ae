package kernel

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChange(t *testing.T) {
	c := ChangeLink | ChangeRoute
	assert.True(t, c.Has(ChangeLink))
	assert.False(t, c.Has(ChangeAddr))
	assert.False(t, c.Has(ChangeLink|ChangeAddr))
	assert.Equal(t, "link|route", c.String())
	assert.Equal(t, "none", Change(0).String())
}

func TestMemoryTable(t *testing.T) {
	tbl := NewMemoryTable(254, nil)
	r := Route{
		Prefix:  netip.MustParsePrefix("2001:db8::/48"),
		NextHop: netip.MustParseAddr("fe80::2"),
		Ifindex: 2,
		Metric:  96,
	}
	require.NoError(t, tbl.Install(r))
	assert.Error(t, tbl.Install(r), "duplicate prefix")
	assert.Equal(t, []Route{r}, tbl.Routes())

	got := tbl.Routes()
	got[0].Metric = 1
	assert.Equal(t, 96, tbl.Routes()[0].Metric, "Routes returns a copy")

	require.NoError(t, tbl.Uninstall(r))
	assert.Error(t, tbl.Uninstall(r))
	assert.Empty(t, tbl.Routes())
}

func TestRoute_String(t *testing.T) {
	r := Route{
		Prefix:  netip.MustParsePrefix("2001:db8::/48"),
		NextHop: netip.MustParseAddr("fe80::2"),
		Ifindex: 2,
		Metric:  96,
	}
	assert.Equal(t, "2001:db8::/48 via fe80::2 dev 2 metric 96", r.String())
}
