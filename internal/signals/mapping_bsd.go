//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package signals

import (
	"os"
	"syscall"
)

func requestSignals() map[os.Signal]Request {
	return map[os.Signal]Request{
		syscall.SIGTERM: Terminate,
		syscall.SIGHUP:  Terminate,
		syscall.SIGINT:  Terminate,
		syscall.SIGUSR1: Dump,
		syscall.SIGINFO: Dump,
		syscall.SIGUSR2: Reload,
	}
}
