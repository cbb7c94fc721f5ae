// Package table holds the routing state: neighbours with their reachability,
// routes learned from them, feasibility distances (sources) and locally
// exported routes.
//
// Every mutating operation returns the prefixes whose selected route, seqno
// or metric changed, so the caller can send triggered updates for exactly
// those. Expiry is done in sweeps driven by the reactor, not per entry.
package table
