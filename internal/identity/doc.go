// Package identity derives and represents the router id, and tracks the
// self sequence counter stamped on this instance's announcements.
//
// The router id is fixed for the process lifetime. It comes from an EUI-64
// built out of an interface hardware address when one is available, and from
// random bytes otherwise. It is never all-zero or all-ones.
package identity
