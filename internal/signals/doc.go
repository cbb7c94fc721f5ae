// Package signals bridges process signals to flags polled by the reactor.
//
// SIGTERM, SIGHUP and SIGINT request termination, SIGUSR1 (and SIGINFO where
// it exists) requests a dump, SIGUSR2 requests a reload.
package signals
