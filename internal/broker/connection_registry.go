package broker

// connectionRegistry tracks live tunnels (C3). Like clientRegistry, it
// relies on Registries for locking.
type connectionRegistry struct {
	conns []*Connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{}
}

func (r *connectionRegistry) insert(c *Connection) {
	r.conns = append(r.conns, c)
}

// findByParticipant returns the at-most-one live Connection that
// references client as sender or receiver.
func (r *connectionRegistry) findByParticipant(client *Client) *Connection {
	for _, c := range r.conns {
		if c.HasParticipant(client) {
			return c
		}
	}
	return nil
}

// removeByParticipant removes and returns the live Connection
// referencing client, or nil if there isn't one.
func (r *connectionRegistry) removeByParticipant(client *Client) *Connection {
	for i, c := range r.conns {
		if c.HasParticipant(client) {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return c
		}
	}
	return nil
}

// remove removes a specific Connection by identity (used by the sshd
// exit-watcher path, which has no socket to key off of).
func (r *connectionRegistry) remove(target *Connection) bool {
	for i, c := range r.conns {
		if c == target {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return true
		}
	}
	return false
}

// heldPorts returns the sshd_port and local_port sets currently held by
// live connections, for the allocator.
func (r *connectionRegistry) heldPorts() (sshd, local map[int]bool) {
	sshd = make(map[int]bool, len(r.conns))
	local = make(map[int]bool, len(r.conns))
	for _, c := range r.conns {
		sshd[c.SSHDPort] = true
		local[c.LocalPort] = true
	}
	return sshd, local
}
