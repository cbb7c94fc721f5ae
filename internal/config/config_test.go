package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/babelcore/internal/identity"
)

func valid() *Config {
	c := Default()
	c.AddInterface("eth0")
	return c
}

func TestDefault_Validates(t *testing.T) {
	c := valid()
	warnings, err := c.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, netip.MustParseAddr("ff02::1:6"), c.Group())
	assert.True(t, c.SplitHorizon)
	assert.Equal(t, DuplicatesDisabled, c.AllowDuplicates)
}

func TestLoad_YAML(t *testing.T) {
	c := Default()
	require.NoError(t, c.Load("testdata/babeld.yaml"))

	require.Len(t, c.Interfaces, 2)
	assert.Equal(t, "eth0", c.Interfaces[0].Name)
	require.NotNil(t, c.Interfaces[0].Wired)
	assert.True(t, *c.Interfaces[0].Wired)
	assert.Equal(t, Duration(2*time.Second), c.Interfaces[1].HelloInterval)
	assert.Equal(t, 7000, c.Port)
	assert.Equal(t, Duration(8*time.Second), c.WiredHelloInterval)
	assert.Equal(t, 1, c.Debug)
	assert.Equal(t, DefaultStateFile, c.StateFile, "absent keys keep their defaults")

	exports, err := c.ExportPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []ExportedRoute{
		{Prefix: netip.MustParsePrefix("2001:db8:ff::/48")},
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Metric: 128},
	}, exports)

	_, err = c.Validate()
	require.NoError(t, err)
}

func TestLoad_CUE(t *testing.T) {
	c := Default()
	require.NoError(t, c.Load("testdata/babeld.cue"))
	assert.Equal(t, []Interface{{Name: "eth0"}}, c.Interfaces)
	assert.False(t, c.SplitHorizon)
	assert.Equal(t, 33123, c.LocalPort)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	err := Default().Load("testdata/unknown_key.yaml")
	require.Error(t, err)
	assert.True(t, IsSchemaError(err))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "hello_intervall")
}

func TestLoad_OutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 70000\n"), 0o644))
	err := Default().Load(path)
	assert.True(t, IsSchemaError(err))
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hello_interval: soon\n"), 0o644))
	assert.True(t, IsSchemaError(Default().Load(path)))
}

func TestLoad_Missing(t *testing.T) {
	err := Default().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyStatement(t *testing.T) {
	c := valid()
	require.NoError(t, c.ApplyStatement("{port: 7001, debug: 2}"))
	assert.Equal(t, 7001, c.Port)
	assert.Equal(t, 2, c.Debug)
	assert.Len(t, c.Interfaces, 1, "statement without interfaces keeps them")

	require.NoError(t, c.ApplyStatement("interfaces: [{name: eth1}]"))
	assert.Equal(t, []Interface{{Name: "eth1"}}, c.Interfaces)

	assert.Error(t, c.ApplyStatement("{bogus: 1}"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no interfaces", func(c *Config) { c.Interfaces = nil }},
		{"duplicate interface", func(c *Config) { c.Interfaces = append(c.Interfaces, Interface{Name: "eth0"}) }},
		{"zero hello", func(c *Config) { c.HelloInterval = 0 }},
		{"hello too long", func(c *Config) { c.HelloInterval = Duration(MaxHelloInterval + time.Millisecond) }},
		{"negative wired hello", func(c *Config) { c.WiredHelloInterval = -1 }},
		{"unicast group", func(c *Config) { c.MulticastGroup = "2001:db8::1" }},
		{"ipv4 group", func(c *Config) { c.MulticastGroup = "224.0.0.1" }},
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"kernel metric", func(c *Config) { c.KernelMetric = 65536 }},
		{"duplicates", func(c *Config) { c.AllowDuplicates = -2 }},
		{"parasitic with duplicates", func(c *Config) { c.Parasitic, c.AllowDuplicates = true, 10 }},
		{"table", func(c *Config) { c.ExportTable = 70000 }},
		{"router id", func(c *Config) { c.RouterID = "nope" }},
		{"zero router id", func(c *Config) { c.RouterID = "00:00:00:00:00:00:00:00" }},
		{"all-ones router id", func(c *Config) { c.RouterID = "ff:ff:ff:ff:ff:ff:ff:ff" }},
		{"export prefix", func(c *Config) { c.Exports = []Export{{Prefix: "2001:db8::/129"}} }},
		{"export metric", func(c *Config) { c.Exports = []Export{{Prefix: "2001:db8::/32", Metric: -1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			_, err := c.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate_RouterIDMustBeUsable(t *testing.T) {
	c := valid()
	c.RouterID = "00:00:00:00:00:00:00:00"
	_, err := c.Validate()
	assert.ErrorIs(t, err, identity.ErrInvalidID)

	c.RouterID = "02:00:00:00:00:00:00:01"
	_, err = c.Validate()
	assert.NoError(t, err)
}

func TestValidate_WarnsOnWideGroup(t *testing.T) {
	c := valid()
	c.MulticastGroup = "ff05::1:6"
	warnings, err := c.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestApplyImplied(t *testing.T) {
	c := valid()
	c.Daemonize = true
	c.ApplyImplied()
	assert.Equal(t, DefaultDaemonLogFile, c.LogFile)

	c.LogFile = "/tmp/b.log"
	c.ApplyImplied()
	assert.Equal(t, "/tmp/b.log", c.LogFile)
}

func TestEffective(t *testing.T) {
	c := Default()
	c.WiredHelloInterval = Duration(8 * time.Second)
	wired := true
	wireless := false

	s := c.Effective(Interface{Name: "eth0", Wired: &wired})
	assert.True(t, s.Wired)
	assert.Equal(t, 8*time.Second, s.HelloInterval)
	assert.Equal(t, 32*time.Second, s.UpdateInterval)

	s = c.Effective(Interface{Name: "wlan0", Wired: &wireless})
	assert.Equal(t, DefaultHelloInterval, s.HelloInterval)

	s = c.Effective(Interface{Name: "x", HelloInterval: Duration(time.Millisecond), UpdateInterval: Duration(time.Minute)})
	assert.Equal(t, MinEffectiveHello, s.HelloInterval)
	assert.Equal(t, time.Minute, s.UpdateInterval)

	c.AllWireless = true
	assert.False(t, c.Effective(Interface{Name: "eth1"}).Wired)
}

func TestAddInterface_Dedups(t *testing.T) {
	c := Default()
	c.AddInterface("eth0")
	c.AddInterface("eth0")
	assert.Len(t, c.Interfaces, 1)
}
