package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// ErrNoInterfaces is returned by NewSet when no interface names are given.
var ErrNoInterfaces = errors.New("network: no interfaces")

// Link is what the system reports about an interface.
type Link struct {
	Index     int
	MTU       int
	Up        bool
	LinkLocal netip.Addr
}

// Lookup resolves an interface name to its current system state.
type Lookup func(name string) (Link, error)

// Options configures one managed interface.
type Options struct {
	Wired             bool
	HelloInterval     time.Duration
	UpdateInterval    time.Duration
	IdleHelloInterval time.Duration
}

// Transition is an up/down change observed by Check. Index is the
// interface index the change applies to; a down transition keeps the index
// the interface had while it was up.
type Transition struct {
	Ifc   *Interface
	Up    bool
	Index int
}

// Set is the ordered collection of managed interfaces.
type Set struct {
	ifaces []*Interface
	lookup Lookup
	logger *slog.Logger
}

// NewSet returns a set backed by lookup. A nil lookup uses SystemLookup
// without link detection.
func NewSet(lookup Lookup, logger *slog.Logger) *Set {
	if lookup == nil {
		lookup = SystemLookup(false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{lookup: lookup, logger: logger}
}

// Add registers a managed interface. The update interval defaults to four
// hello intervals. Adding a name twice returns the existing interface.
func (s *Set) Add(name string, opts Options) *Interface {
	for _, ifc := range s.ifaces {
		if ifc.Name == name {
			return ifc
		}
	}
	update := opts.UpdateInterval
	if update <= 0 {
		update = 4 * opts.HelloInterval
	}
	ifc := &Interface{
		Name:              name,
		MTU:               DefaultMTU,
		Wired:             opts.Wired,
		HelloInterval:     opts.HelloInterval,
		UpdateInterval:    update,
		IdleHelloInterval: opts.IdleHelloInterval,
	}
	s.ifaces = append(s.ifaces, ifc)
	return ifc
}

// All returns every managed interface in the order added.
func (s *Set) All() []*Interface { return s.ifaces }

// Up returns the interfaces that are currently up, in the order added.
func (s *Set) Up() []*Interface {
	up := make([]*Interface, 0, len(s.ifaces))
	for _, ifc := range s.ifaces {
		if ifc.Up {
			up = append(up, ifc)
		}
	}
	return up
}

// ByIndex returns the up interface with the given index, or nil.
func (s *Set) ByIndex(index int) *Interface {
	if index <= 0 {
		return nil
	}
	for _, ifc := range s.ifaces {
		if ifc.Up && ifc.Index == index {
			return ifc
		}
	}
	return nil
}

// ByName returns the managed interface with the given name, or nil.
func (s *Set) ByName(name string) *Interface {
	for _, ifc := range s.ifaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}

// Check re-enumerates every interface and returns the ones whose up state
// changed. An interface whose lookup fails is considered down. An interface
// is only up when it has an index and an IPv6 link-local address.
func (s *Set) Check() []Transition {
	var changed []Transition
	for _, ifc := range s.ifaces {
		prev := ifc.Index
		link, err := s.lookup(ifc.Name)
		up := err == nil && link.Up && link.Index > 0 && link.LinkLocal.IsValid()
		if err != nil && ifc.Up {
			s.logger.Warn("interface lookup failed", "interface", ifc.Name, "error", err)
		}
		if err == nil {
			if link.Index != ifc.Index && ifc.Up {
				// Index change under an up interface: treat as down then up.
				changed = append(changed, Transition{Ifc: ifc, Up: false, Index: prev})
				ifc.Up = false
			}
			ifc.Index = link.Index
			if link.MTU > 0 {
				ifc.MTU = link.MTU
			}
			ifc.LinkLocal = link.LinkLocal
		}
		if up != ifc.Up {
			ifc.Up = up
			index := ifc.Index
			if !up {
				index = prev
			}
			changed = append(changed, Transition{Ifc: ifc, Up: up, Index: index})
		}
	}
	return changed
}

// MarkDown sets every interface administratively down and disarms its
// timers.
func (s *Set) MarkDown() {
	for _, ifc := range s.ifaces {
		ifc.Up = false
		ifc.DisarmTimers()
	}
}

// SystemLookup resolves interfaces through the operating system. With
// linkDetect set, an interface without carrier is reported down.
func SystemLookup(linkDetect bool) Lookup {
	return func(name string) (Link, error) {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return Link{}, fmt.Errorf("lookup interface %s: %w", name, err)
		}
		link := Link{
			Index: ifi.Index,
			MTU:   ifi.MTU,
			Up:    ifi.Flags&net.FlagUp != 0,
		}
		if linkDetect && ifi.Flags&net.FlagRunning == 0 {
			link.Up = false
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			return link, fmt.Errorf("addresses of %s: %w", name, err)
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if ok && addr.Is6() && !addr.Is4In6() && addr.IsLinkLocalUnicast() {
				link.LinkLocal = addr
				break
			}
		}
		return link, nil
	}
}
