package broker

import "github.com/juju/errors"

// ErrServerFull is returned when no configured sshd port is free.
var ErrServerFull = errors.New("server is full")

// Allocator hands out the sshd_port/local_port pair for a new
// connection (C1). It holds no registry state itself -- Registries
// supplies the set of ports currently in use so that allocation and
// insertion into the connection registry happen under one lock, per
// the atomicity requirement in §5.
type Allocator struct {
	// sshdPorts is P_sshd, sorted ascending.
	sshdPorts []int
	// localFloor is one above the highest configured sshd port; local
	// ports are chosen starting here.
	localFloor int
}

// NewAllocator builds an Allocator for the given candidate sshd port
// set, which must be non-empty.
func NewAllocator(sshdPorts []int) *Allocator {
	floor := 0
	for _, p := range sshdPorts {
		if p > floor {
			floor = p
		}
	}
	return &Allocator{sshdPorts: sshdPorts, localFloor: floor + 1}
}

// allocate picks a free sshd_port (first candidate not in heldSSHD) and
// a free local_port (lowest value >= localFloor not in heldLocal).
func (a *Allocator) allocate(heldSSHD, heldLocal map[int]bool) (sshdPort, localPort int, err error) {
	for _, p := range a.sshdPorts {
		if !heldSSHD[p] {
			sshdPort = p
			break
		}
	}
	if sshdPort == 0 {
		return 0, 0, ErrServerFull
	}

	localPort = a.localFloor
	for heldLocal[localPort] {
		localPort++
	}
	return sshdPort, localPort, nil
}
