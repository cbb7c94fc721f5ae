package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// ErrNoIdentity is returned when none of the derivation paths succeeded.
var ErrNoIdentity = errors.New("identity: no router id could be derived")

// Origin records which derivation path produced the id.
type Origin string

const (
	OriginRequested Origin = "requested-interface"
	OriginScanned   Origin = "system-interface"
	OriginRandom    Origin = "random"
)

// Deriver picks a router id. The zero value uses the system interface list
// and crypto/rand; tests replace the hooks.
type Deriver struct {
	InterfaceByName func(name string) (*net.Interface, error)
	Interfaces      func() ([]net.Interface, error)
	Random          io.Reader
	Logger          *slog.Logger
}

// Derive tries, in order: the hardware address of each requested interface,
// the hardware address of any system interface, then 8 random bytes with the
// group and global bits cleared. First success wins.
func (d Deriver) Derive(requested []string) (RouterID, Origin, error) {
	byName := d.InterfaceByName
	if byName == nil {
		byName = net.InterfaceByName
	}
	all := d.Interfaces
	if all == nil {
		all = net.Interfaces
	}
	random := d.Random
	if random == nil {
		random = rand.Reader
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, name := range requested {
		ifi, err := byName(name)
		if err != nil || ifi.Index <= 0 {
			continue
		}
		if id, err := FromHardwareAddr(ifi.HardwareAddr); err == nil {
			return id, OriginRequested, nil
		}
	}

	if ifs, err := all(); err == nil {
		for _, ifi := range ifs {
			if id, err := FromHardwareAddr(ifi.HardwareAddr); err == nil {
				return id, OriginScanned, nil
			}
		}
	}

	logger.Warn("couldn't find router id, using random value")
	var id RouterID
	if _, err := io.ReadFull(random, id[:]); err != nil {
		return RouterID{}, "", fmt.Errorf("read random router id: %w: %w", ErrNoIdentity, err)
	}
	id[0] &^= 3
	if !id.Valid() {
		return RouterID{}, "", fmt.Errorf("random router id %s: %w", id, ErrNoIdentity)
	}
	return id, OriginRandom, nil
}
