// Package store is the optional incarnation journal: a SQLite database that
// records every run of the daemon and the state dumps taken during it.
//
// The journal answers questions the state file cannot, such as how often the
// daemon restarted, whether the previous run shut down cleanly and which
// sequence number it reached.
//
// # Database Configuration
//
//   - WAL mode: readers (babeld journal) do not block the daemon
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: snapshots must belong to a recorded run
//
// Timestamps are stored as Unix nanoseconds. Listings are ordered by start
// time, newest first, with the row id breaking ties.
package store
