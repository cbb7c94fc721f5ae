package table

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/seqno"
)

// Tables holds the neighbour, route, source and exported-route tables.
// It is owned by the reactor goroutine and is not safe for concurrent use.
type Tables struct {
	kernel kernel.Table
	logger *slog.Logger

	neighbours []*Neighbour
	routes     []*Route
	sources    []*Source
	xroutes    []Xroute
}

// New returns empty tables that install selected routes into kt.
func New(kt kernel.Table, logger *slog.Logger) *Tables {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tables{kernel: kt, logger: logger}
}

// Neighbour returns the neighbour at addr on ifc, or nil.
func (t *Tables) Neighbour(ifc *network.Interface, addr netip.Addr) *Neighbour {
	for _, n := range t.neighbours {
		if n.Ifc == ifc && n.Address == addr {
			return n
		}
	}
	return nil
}

// Hello records a hello from addr on ifc, creating the neighbour on first
// contact.
func (t *Tables) Hello(ifc *network.Interface, addr netip.Addr, s seqno.Seqno, interval time.Duration, now time.Time) *Neighbour {
	n := t.Neighbour(ifc, addr)
	if n == nil {
		n = &Neighbour{Address: addr, Ifc: ifc, TxCost: Infinity}
		t.neighbours = append(t.neighbours, n)
		t.logger.Info("new neighbour", "address", addr.String(), "interface", ifc.Name)
	}
	n.hello(s, interval, now)
	return n
}

// IHU records the cost the neighbour reports for hearing us.
func (t *Tables) IHU(n *Neighbour, rxcost uint16, now time.Time) []netip.Prefix {
	n.IHUTime = now
	if n.TxCost == rxcost {
		return nil
	}
	before := t.selections(t.prefixesVia(n))
	n.TxCost = rxcost
	return t.settle(before, now)
}

// CheckNeighbours ages every neighbour, drops the dead ones with their routes,
// and returns how long until the next check is useful together with the
// prefixes whose selection changed.
func (t *Tables) CheckNeighbours(now time.Time) (time.Duration, []netip.Prefix) {
	next := DefaultCheckInterval
	var changed []netip.Prefix
	for _, n := range slices.Clone(t.neighbours) {
		if n.check(now) {
			t.logger.Info("neighbour lost", "address", n.Address.String(), "interface", n.Ifc.Name)
			changed = append(changed, t.FlushNeighbour(n, now)...)
			continue
		}
		if n.HelloInterval > 0 {
			next = min(next, n.HelloInterval)
		}
	}
	return next, changed
}

// FlushNeighbour drops n and every route through it.
func (t *Tables) FlushNeighbour(n *Neighbour, now time.Time) []netip.Prefix {
	before := t.selections(t.prefixesVia(n))
	t.routes = slices.DeleteFunc(t.routes, func(r *Route) bool {
		if r.Neigh != n {
			return false
		}
		if r.Installed {
			t.uninstall(r)
		}
		return true
	})
	t.neighbours = slices.DeleteFunc(t.neighbours, func(x *Neighbour) bool { return x == n })
	return t.settle(before, now)
}

// FlushInterface drops every neighbour on ifc.
func (t *Tables) FlushInterface(ifc *network.Interface, now time.Time) []netip.Prefix {
	var changed []netip.Prefix
	for _, n := range slices.Clone(t.neighbours) {
		if n.Ifc == ifc {
			changed = append(changed, t.FlushNeighbour(n, now)...)
		}
	}
	return changed
}

// Update applies a route announcement from n. It returns the prefixes whose
// selected route changed (at most the announced one).
func (t *Tables) Update(n *Neighbour, id identity.RouterID, prefix netip.Prefix, s seqno.Seqno, refmetric uint16, interval time.Duration, nexthop netip.Addr, now time.Time) []netip.Prefix {
	prefix = prefix.Masked()
	feasible := t.source(prefix, id).feasible(s, refmetric)
	r := t.route(prefix, n)
	if r == nil {
		if refmetric == Infinity || !feasible {
			return nil
		}
		r = &Route{Prefix: prefix, Neigh: n}
		t.routes = append(t.routes, r)
	}
	before := t.selections([]netip.Prefix{prefix})
	r.ID = id
	r.Seqno = s
	r.RefMetric = refmetric
	r.NextHop = nexthop
	r.Interval = interval
	r.Time = now
	r.Feasible = feasible
	return t.settle(before, now)
}

// Retract withdraws every route learned from n.
func (t *Tables) Retract(n *Neighbour, now time.Time) []netip.Prefix {
	before := t.selections(t.prefixesVia(n))
	for _, r := range t.routes {
		if r.Neigh == n && !r.Retracted() {
			r.RefMetric = Infinity
			r.Time = now
		}
	}
	return t.settle(before, now)
}

// ExpireRoutes retracts routes whose announcements stopped and forgets
// retracted routes after a grace period.
func (t *Tables) ExpireRoutes(now time.Time) []netip.Prefix {
	var stale []netip.Prefix
	for _, r := range t.routes {
		if now.Sub(r.Time) > r.expiry() {
			stale = append(stale, r.Prefix)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	before := t.selections(stale)
	t.routes = slices.DeleteFunc(t.routes, func(r *Route) bool {
		age := now.Sub(r.Time)
		if r.Retracted() && age > r.expiry()+routeGCDelay {
			if r.Installed {
				t.uninstall(r)
			}
			return true
		}
		if !r.Retracted() && age > r.expiry() {
			r.RefMetric = Infinity
		}
		return false
	})
	return t.settle(before, now)
}

// ExpireSources forgets feasibility distances that are stale and no longer
// referenced by a route.
func (t *Tables) ExpireSources(now time.Time) int {
	before := len(t.sources)
	t.sources = slices.DeleteFunc(t.sources, func(src *Source) bool {
		if now.Sub(src.Time) <= SourceGCTime {
			return false
		}
		return !slices.ContainsFunc(t.routes, func(r *Route) bool {
			return r.Prefix == src.Prefix && r.ID == src.ID
		})
	})
	return before - len(t.sources)
}

// CheckXroutes replaces the exported routes with want and returns the
// prefixes that were added, removed or changed metric.
func (t *Tables) CheckXroutes(want []Xroute) []netip.Prefix {
	var changed []netip.Prefix
	for _, w := range want {
		i := slices.IndexFunc(t.xroutes, func(x Xroute) bool { return x.Prefix == w.Prefix })
		if i < 0 || t.xroutes[i].Metric != w.Metric {
			changed = append(changed, w.Prefix)
		}
	}
	for _, x := range t.xroutes {
		if !slices.ContainsFunc(want, func(w Xroute) bool { return w.Prefix == x.Prefix }) {
			changed = append(changed, x.Prefix)
		}
	}
	t.xroutes = slices.Clone(want)
	return changed
}

// FlushAll uninstalls every installed route and then forgets all routes, so
// that nothing can reinstall them during shutdown.
func (t *Tables) FlushAll() int {
	n := len(t.routes)
	for _, r := range t.routes {
		if r.Installed {
			t.uninstall(r)
		}
	}
	t.routes = nil
	return n
}

// Selected returns the installed route for prefix, or nil.
func (t *Tables) Selected(prefix netip.Prefix) *Route {
	for _, r := range t.routes {
		if r.Installed && r.Prefix == prefix {
			return r
		}
	}
	return nil
}

// Xroute returns the exported route for prefix.
func (t *Tables) Xroute(prefix netip.Prefix) (Xroute, bool) {
	i := slices.IndexFunc(t.xroutes, func(x Xroute) bool { return x.Prefix == prefix })
	if i < 0 {
		return Xroute{}, false
	}
	return t.xroutes[i], true
}

// Neighbours returns the neighbour table.
func (t *Tables) Neighbours() []*Neighbour { return t.neighbours }

// Routes returns the route table.
func (t *Tables) Routes() []*Route { return t.routes }

// Sources returns the source table.
func (t *Tables) Sources() []*Source { return t.sources }

// Xroutes returns the exported routes.
func (t *Tables) Xroutes() []Xroute { return t.xroutes }

// Installed returns the selected routes in table order.
func (t *Tables) Installed() []*Route {
	var out []*Route
	for _, r := range t.routes {
		if r.Installed {
			out = append(out, r)
		}
	}
	return out
}

func (t *Tables) route(prefix netip.Prefix, n *Neighbour) *Route {
	for _, r := range t.routes {
		if r.Prefix == prefix && r.Neigh == n {
			return r
		}
	}
	return nil
}

func (t *Tables) source(prefix netip.Prefix, id identity.RouterID) *Source {
	for _, s := range t.sources {
		if s.Prefix == prefix && s.ID == id {
			return s
		}
	}
	return nil
}

func (t *Tables) prefixesVia(n *Neighbour) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, r := range t.routes {
		if r.Neigh == n {
			prefixes = append(prefixes, r.Prefix)
		}
	}
	return prefixes
}

// selection is what is announced for a prefix before a table change.
type selection struct {
	prefix netip.Prefix
	route  *Route
	seqno  seqno.Seqno
	metric uint16
}

func (t *Tables) selections(prefixes []netip.Prefix) []selection {
	prefixes = dedup(prefixes)
	out := make([]selection, 0, len(prefixes))
	for _, p := range prefixes {
		sel := selection{prefix: p}
		if r := t.Selected(p); r != nil {
			sel.route, sel.seqno, sel.metric = r, r.Seqno, r.Metric()
		}
		out = append(out, sel)
	}
	return out
}

// settle reruns route selection for each prefix and returns those whose
// selected route, seqno or metric differs from before.
func (t *Tables) settle(before []selection, now time.Time) []netip.Prefix {
	var changed []netip.Prefix
	for _, b := range before {
		t.consider(b.prefix, now)
		r := t.Selected(b.prefix)
		if r != b.route || (r != nil && (r.Seqno != b.seqno || r.Metric() != b.metric)) {
			changed = append(changed, b.prefix)
		}
	}
	return changed
}

func (t *Tables) consider(prefix netip.Prefix, now time.Time) {
	var current, best *Route
	for _, r := range t.routes {
		if r.Prefix != prefix {
			continue
		}
		if r.Installed {
			current = r
		}
		if !r.Feasible || r.Metric() == Infinity {
			continue
		}
		if best == nil || r.Metric() < best.Metric() {
			best = r
		}
	}
	// Keep the current route on ties to avoid flapping.
	if current != nil && best != nil && current.Feasible && current.Metric() == best.Metric() {
		best = current
	}
	if best != current {
		if current != nil {
			t.uninstall(current)
		}
		if best != nil {
			t.install(best)
		}
	}
	if best != nil && best.Installed {
		t.refreshSource(best, now)
	}
}

func (t *Tables) refreshSource(r *Route, now time.Time) {
	src := t.source(r.Prefix, r.ID)
	if src == nil {
		src = &Source{Prefix: r.Prefix, ID: r.ID, Seqno: r.Seqno, Metric: r.Metric(), Time: now}
		t.sources = append(t.sources, src)
		return
	}
	src.improve(r.Seqno, r.Metric(), now)
}

func (t *Tables) install(r *Route) {
	kr := kernelRoute(r)
	if err := t.kernel.Install(kr); err != nil {
		t.logger.Warn("couldn't install route", "route", kr.String(), "error", err)
		return
	}
	r.Installed = true
}

func (t *Tables) uninstall(r *Route) {
	kr := kernelRoute(r)
	if err := t.kernel.Uninstall(kr); err != nil {
		t.logger.Warn("couldn't uninstall route", "route", kr.String(), "error", err)
	}
	r.Installed = false
}

func kernelRoute(r *Route) kernel.Route {
	kr := kernel.Route{Prefix: r.Prefix, NextHop: r.NextHop, Metric: int(r.Metric())}
	if r.Neigh != nil && r.Neigh.Ifc != nil {
		kr.Ifindex = r.Neigh.Ifc.Index
	}
	return kr
}

func dedup(prefixes []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
