// Package config holds the daemon configuration: defaults, file loading,
// inline statements and validation.
//
// Files are YAML or CUE, chosen by extension. Both are checked against the
// embedded #Config schema before being decoded, so unknown keys and
// out-of-range values are reported with their position.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/babelcore/internal/identity"
)

// Defaults.
const (
	DefaultPath          = "/etc/babeld.yaml"
	DefaultGroup         = "ff02::1:6"
	DefaultPort          = 6697
	DefaultHelloInterval = 4 * time.Second
	DefaultStateFile     = "/var/lib/babel-state"
	DefaultPIDFile       = "/var/run/babeld.pid"
	DefaultDaemonLogFile = "/var/log/babeld.log"
	DefaultKernelMetric  = 0
	DefaultExportTable   = 254
	DefaultImportTable   = 254
	MaxHelloInterval     = 655350 * time.Millisecond
	MinEffectiveHello    = 5 * time.Millisecond
	DuplicatesDisabled   = -1
	maxTable             = 0xFFFF
	maxMetric            = 0xFFFF
	updateIntervalFactor = 4
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string in files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Interface configures one managed interface. Zero values inherit the
// global settings.
type Interface struct {
	Name           string   `yaml:"name"`
	Wired          *bool    `yaml:"wired,omitempty"`
	HelloInterval  Duration `yaml:"hello_interval,omitempty"`
	UpdateInterval Duration `yaml:"update_interval,omitempty"`
}

// Export is a locally originated prefix.
type Export struct {
	Prefix string `yaml:"prefix"`
	Metric int    `yaml:"metric,omitempty"`
}

// Config is the complete daemon configuration.
type Config struct {
	Interfaces []Interface `yaml:"interfaces,omitempty"`
	RouterID   string      `yaml:"router_id,omitempty"`

	MulticastGroup     string   `yaml:"multicast_group"`
	Port               int      `yaml:"port"`
	HelloInterval      Duration `yaml:"hello_interval"`
	WiredHelloInterval Duration `yaml:"wired_hello_interval,omitempty"`
	IdleHelloInterval  Duration `yaml:"idle_hello_interval,omitempty"`
	KernelMetric       int      `yaml:"kernel_metric"`
	AllowDuplicates    int      `yaml:"allow_duplicates"`
	Parasitic          bool     `yaml:"parasitic"`
	SplitHorizon       bool     `yaml:"split_horizon"`
	LinkDetect         bool     `yaml:"link_detect"`
	AllWireless        bool     `yaml:"all_wireless"`
	ExportTable        int      `yaml:"export_table"`
	ImportTable        int      `yaml:"import_table"`

	StateFile string `yaml:"state_file"`
	Debug     int    `yaml:"debug"`
	LocalPort int    `yaml:"local_port"`
	Daemonize bool   `yaml:"daemonize"`
	LogFile   string `yaml:"log_file,omitempty"`
	PIDFile   string `yaml:"pid_file"`
	Journal   string `yaml:"journal,omitempty"`

	Exports []Export `yaml:"export,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MulticastGroup:  DefaultGroup,
		Port:            DefaultPort,
		HelloInterval:   Duration(DefaultHelloInterval),
		KernelMetric:    DefaultKernelMetric,
		AllowDuplicates: DuplicatesDisabled,
		SplitHorizon:    true,
		ExportTable:     DefaultExportTable,
		ImportTable:     DefaultImportTable,
		StateFile:       DefaultStateFile,
		PIDFile:         DefaultPIDFile,
	}
}

// AddInterface appends name unless it is already configured.
func (c *Config) AddInterface(name string) {
	for _, ifc := range c.Interfaces {
		if ifc.Name == name {
			return
		}
	}
	c.Interfaces = append(c.Interfaces, Interface{Name: name})
}

// ApplyImplied fills settings that depend on other settings.
func (c *Config) ApplyImplied() {
	if c.Daemonize && c.LogFile == "" {
		c.LogFile = DefaultDaemonLogFile
	}
}

// Validate checks c and returns non-fatal warnings.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	if len(c.Interfaces) == 0 {
		return nil, fmt.Errorf("%w: no interfaces", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Interfaces))
	for _, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return nil, fmt.Errorf("%w: empty interface name", ErrInvalid)
		}
		if seen[ifc.Name] {
			return nil, fmt.Errorf("%w: interface %s listed twice", ErrInvalid, ifc.Name)
		}
		seen[ifc.Name] = true
		if err := checkHello("hello interval of "+ifc.Name, ifc.HelloInterval, true); err != nil {
			return nil, err
		}
		if ifc.UpdateInterval < 0 {
			return nil, fmt.Errorf("%w: negative update interval on %s", ErrInvalid, ifc.Name)
		}
	}

	if err := checkHello("hello interval", c.HelloInterval, false); err != nil {
		return nil, err
	}
	if err := checkHello("wired hello interval", c.WiredHelloInterval, true); err != nil {
		return nil, err
	}
	if err := checkHello("idle hello interval", c.IdleHelloInterval, true); err != nil {
		return nil, err
	}

	group, err := netip.ParseAddr(c.MulticastGroup)
	if err != nil || !group.Is6() || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: multicast group %q is not an IPv6 multicast address", ErrInvalid, c.MulticastGroup)
	}
	if !group.IsLinkLocalMulticast() {
		warnings = append(warnings, fmt.Sprintf("multicast group %s is not link-local", group))
	}

	if c.Port < 1 || c.Port > 0xFFFF {
		return nil, fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.LocalPort < 0 || c.LocalPort > 0xFFFF {
		return nil, fmt.Errorf("%w: local port %d", ErrInvalid, c.LocalPort)
	}
	if c.KernelMetric < 0 || c.KernelMetric > maxMetric {
		return nil, fmt.Errorf("%w: kernel metric %d", ErrInvalid, c.KernelMetric)
	}
	if c.AllowDuplicates < DuplicatesDisabled || c.AllowDuplicates > maxMetric {
		return nil, fmt.Errorf("%w: allow-duplicates %d", ErrInvalid, c.AllowDuplicates)
	}
	if c.Parasitic && c.AllowDuplicates >= 0 {
		return nil, fmt.Errorf("%w: parasitic and allow-duplicates are incompatible", ErrInvalid)
	}
	if c.ExportTable < 0 || c.ExportTable > maxTable || c.ImportTable < 0 || c.ImportTable > maxTable {
		return nil, fmt.Errorf("%w: kernel table out of range", ErrInvalid)
	}
	if c.Debug < 0 {
		return nil, fmt.Errorf("%w: debug level %d", ErrInvalid, c.Debug)
	}
	if c.RouterID != "" {
		id, err := identity.Parse(c.RouterID)
		if err != nil {
			return nil, fmt.Errorf("%w: router id: %w", ErrInvalid, err)
		}
		if !id.Valid() {
			return nil, fmt.Errorf("%w: router id %s: %w", ErrInvalid, id, identity.ErrInvalidID)
		}
	}
	if _, err := c.ExportPrefixes(); err != nil {
		return nil, err
	}
	return warnings, nil
}

func checkHello(what string, d Duration, optional bool) error {
	if optional && d == 0 {
		return nil
	}
	if d <= 0 || d.D() > MaxHelloInterval {
		return fmt.Errorf("%w: %s %s out of range (0, %s]", ErrInvalid, what, d, MaxHelloInterval)
	}
	return nil
}

// Group returns the parsed multicast group. Valid after Validate.
func (c *Config) Group() netip.Addr {
	a, _ := netip.ParseAddr(c.MulticastGroup)
	return a
}

// ExportedRoute is a parsed Export.
type ExportedRoute struct {
	Prefix netip.Prefix
	Metric uint16
}

// ExportPrefixes parses the export list.
func (c *Config) ExportPrefixes() ([]ExportedRoute, error) {
	out := make([]ExportedRoute, 0, len(c.Exports))
	for _, e := range c.Exports {
		p, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: export %q: %w", ErrInvalid, e.Prefix, err)
		}
		if e.Metric < 0 || e.Metric > maxMetric {
			return nil, fmt.Errorf("%w: export %s metric %d", ErrInvalid, p, e.Metric)
		}
		out = append(out, ExportedRoute{Prefix: p.Masked(), Metric: uint16(e.Metric)})
	}
	return out, nil
}

// InterfaceSettings is the effective configuration of one interface.
type InterfaceSettings struct {
	Name              string
	Wired             bool
	HelloInterval     time.Duration
	UpdateInterval    time.Duration
	IdleHelloInterval time.Duration
}

// Effective resolves the per-interface settings against the globals. Hello
// intervals below MinEffectiveHello are raised to it.
func (c *Config) Effective(ifc Interface) InterfaceSettings {
	wired := !c.AllWireless
	if ifc.Wired != nil {
		wired = *ifc.Wired
	}
	hello := c.HelloInterval.D()
	if wired && c.WiredHelloInterval > 0 {
		hello = c.WiredHelloInterval.D()
	}
	if ifc.HelloInterval > 0 {
		hello = ifc.HelloInterval.D()
	}
	hello = max(hello, MinEffectiveHello)

	update := ifc.UpdateInterval.D()
	if update <= 0 {
		update = updateIntervalFactor * hello
	}
	return InterfaceSettings{
		Name:              ifc.Name,
		Wired:             wired,
		HelloInterval:     hello,
		UpdateInterval:    update,
		IdleHelloInterval: c.IdleHelloInterval.D(),
	}
}
