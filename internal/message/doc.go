// Package message implements the wire format and the message-level protocol
// behaviour: hellos, IHUs, updates, requests, per-interface output buffering
// and retransmission of unanswered requests.
//
// A packet is a 4-byte header (magic, version, body length) followed by a
// sequence of TLVs. Parse is stateful within one packet: router-id, next-hop
// and default-prefix TLVs apply to the updates that follow them.
package message
