package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// daemonEnv marks the re-executed child so it does not detach again.
const daemonEnv = "BABELD_DAEMONIZED"

func daemonized() bool {
	return os.Getenv(daemonEnv) != ""
}

// daemonize starts this executable again with the same arguments in a new
// session, detached from the terminal. The caller exits once it returns.
// The child's output goes to the null device until it opens its log file.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.Stdin = null
	child.Stdout = null
	child.Stderr = null
	child.Dir = "/"
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}
	return child.Process.Release()
}
