package broker

// clientRegistry tracks currently connected agents (C2). It is not
// safe for concurrent use on its own -- Registries holds the lock that
// makes its compound operations atomic with the connection registry
// and allocator, per the design notes in §9.
type clientRegistry struct {
	byUUID   map[string]*Client
	bySocket map[Socket]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		byUUID:   make(map[string]*Client),
		bySocket: make(map[Socket]*Client),
	}
}

// upsert inserts a new Client or, if one with the same uuid already
// exists, replaces its socket and policy fields in place -- the
// existing Client pointer is reused so any in-flight Connection or
// pending-approval reference to it keeps seeing the new socket. It
// returns whether the uuid was new.
func (r *clientRegistry) upsert(c *Client) (isNew bool) {
	existing, ok := r.byUUID[c.UUID]
	if !ok {
		r.byUUID[c.UUID] = c
		r.bySocket[c.Socket] = c
		return true
	}

	// Re-register: the old socket (if different and still mapped) no
	// longer identifies this client.
	if existing.Socket != c.Socket {
		delete(r.bySocket, existing.Socket)
	}
	existing.SSHKey = c.SSHKey
	existing.AutoAccept = c.AutoAccept
	existing.PortWhitelist = c.PortWhitelist
	existing.PortBlacklist = c.PortBlacklist
	existing.ClientType = c.ClientType
	existing.Socket = c.Socket
	r.bySocket[c.Socket] = existing
	return false
}

// bySocketLookup returns the Client bound to sock, or nil.
func (r *clientRegistry) bySocketLookup(sock Socket) *Client {
	return r.bySocket[sock]
}

// findSenderByPrefix returns every sender Client whose uuid begins with
// prefix.
func (r *clientRegistry) findSenderByPrefix(prefix string) []*Client {
	var matches []*Client
	for uuid, c := range r.byUUID {
		if c.ClientType == ClientTypeSender && hasPrefix(uuid, prefix) {
			matches = append(matches, c)
		}
	}
	return matches
}

// remove detaches whatever Client is bound to sock and returns it, or
// nil if sock was never registered.
func (r *clientRegistry) remove(sock Socket) *Client {
	c, ok := r.bySocket[sock]
	if !ok {
		return nil
	}
	delete(r.bySocket, sock)
	delete(r.byUUID, c.UUID)
	return c
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
