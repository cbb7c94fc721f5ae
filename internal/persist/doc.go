// Package persist owns the files that survive a restart: the single-line
// identity/sequence state record and the pid file.
//
// The state record is consumed exactly once. Consume unlinks it before
// parsing, and a record that cannot be unlinked is treated as stale. Save
// writes and fsyncs a fresh record at shutdown, removing the file on any
// failure so a torn record is never read back.
package persist
