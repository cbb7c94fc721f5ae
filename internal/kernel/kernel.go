// Package kernel is the daemon's view of the host routing stack: a change
// notification channel and the table routes are installed into.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
)

// ErrUnsupported is returned by OpenMonitor on platforms without a change
// notification channel. The daemon then polls the kernel periodically.
var ErrUnsupported = errors.New("kernel: change notifications not supported")

// Change is a bitmask of kernel change categories.
type Change uint8

const (
	ChangeLink Change = 1 << iota
	ChangeAddr
	ChangeRoute
)

// Has reports whether c includes all of o.
func (c Change) Has(o Change) bool { return c&o == o }

func (c Change) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c.Has(ChangeLink) {
		parts = append(parts, "link")
	}
	if c.Has(ChangeAddr) {
		parts = append(parts, "addr")
	}
	if c.Has(ChangeRoute) {
		parts = append(parts, "route")
	}
	return strings.Join(parts, "|")
}

// Monitor delivers kernel change notifications.
type Monitor interface {
	// FD is the descriptor to poll for readability.
	FD() int
	// Read drains pending notifications without blocking and returns the
	// union of their categories.
	Read() (Change, error)
	Close() error
}

// Route is a route as installed in the kernel.
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	Ifindex int
	Metric  int
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s dev %d metric %d", r.Prefix, r.NextHop, r.Ifindex, r.Metric)
}

// Table is where selected routes are installed.
type Table interface {
	Install(r Route) error
	Uninstall(r Route) error
	Routes() []Route
}

// MemoryTable keeps installed routes in memory and logs every change. It is
// used when the daemon runs without kernel write access and in tests.
type MemoryTable struct {
	TableID int
	routes  []Route
	logger  *slog.Logger
}

// NewMemoryTable returns an empty table.
func NewMemoryTable(tableID int, logger *slog.Logger) *MemoryTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryTable{TableID: tableID, logger: logger}
}

// Install adds r. Installing the same prefix twice is an error.
func (t *MemoryTable) Install(r Route) error {
	if slices.ContainsFunc(t.routes, func(x Route) bool { return x.Prefix == r.Prefix }) {
		return fmt.Errorf("install %s: route exists", r.Prefix)
	}
	t.routes = append(t.routes, r)
	t.logger.Debug("route installed", "route", r.String(), "table", t.TableID)
	return nil
}

// Uninstall removes r by prefix.
func (t *MemoryTable) Uninstall(r Route) error {
	i := slices.IndexFunc(t.routes, func(x Route) bool { return x.Prefix == r.Prefix })
	if i < 0 {
		return fmt.Errorf("uninstall %s: no such route", r.Prefix)
	}
	t.routes = slices.Delete(t.routes, i, i+1)
	t.logger.Debug("route uninstalled", "route", r.String(), "table", t.TableID)
	return nil
}

// Routes returns a copy of the installed routes.
func (t *MemoryTable) Routes() []Route {
	return slices.Clone(t.routes)
}
