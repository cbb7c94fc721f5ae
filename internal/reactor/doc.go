// Package reactor is the daemon's single thread of control.
//
// A Daemon owns every table, socket and timer. Start establishes identity
// and sequence state, opens the sockets and sends the startup burst. Iterate
// performs one pass of the event loop: wait on the poller for at most the
// time to the nearest deadline, service whatever became readable in a fixed
// order, then fire every timer that is due. Shutdown retracts everything and
// persists the sequence counter.
//
// Signals reach the loop only as flags on a signals.Bridge; the wake pipe
// makes them cut the wait short.
package reactor
