//go:build !linux

package kernel

// OpenMonitor always fails off Linux; the daemon falls back to polling.
func OpenMonitor() (Monitor, error) {
	return nil, ErrUnsupported
}
