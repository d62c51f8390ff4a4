package broker

import "sync"

// Registries is the single guarded module combining the Client
// Registry (C2), Connection Registry (C3), and Port Allocator (C1), per
// the design-notes recommendation in §9: port allocation must observe
// all live connections atomically with insertion, and a register that
// replaces an existing uuid's socket must be atomic with any lookup
// that might observe the old socket. One mutex over all three gives
// that for free.
type Registries struct {
	mu        sync.Mutex
	clients   *clientRegistry
	conns     *connectionRegistry
	allocator *Allocator
}

// NewRegistries builds an empty Registries configured with the given
// candidate sshd ports.
func NewRegistries(sshdPorts []int) *Registries {
	return &Registries{
		clients:   newClientRegistry(),
		conns:     newConnectionRegistry(),
		allocator: NewAllocator(sshdPorts),
	}
}

// Upsert registers or re-registers a client, returning whether it was
// new.
func (r *Registries) Upsert(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients.upsert(c)
}

// BySocket returns the Client bound to sock, or nil.
func (r *Registries) BySocket(sock Socket) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients.bySocketLookup(sock)
}

// FindSenderByPrefix returns every sender whose uuid begins with
// prefix.
func (r *Registries) FindSenderByPrefix(prefix string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients.findSenderByPrefix(prefix)
}

// RemoveClient detaches and returns whatever Client is bound to sock.
func (r *Registries) RemoveClient(sock Socket) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients.remove(sock)
}

// FindConnectionByParticipant returns the live Connection referencing
// client, or nil.
func (r *Registries) FindConnectionByParticipant(client *Client) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.findByParticipant(client)
}

// AllocateAndInsert allocates a port pair and inserts a new Connection
// for (sender, receiver) as one atomic step, so no other allocation can
// observe the in-between state. The caller supplies everything else
// about the Connection (child process, keys script path) via build,
// which runs with the lock still held -- build must not block.
func (r *Registries) AllocateAndInsert(sender, receiver *Client, build func(sshdPort, localPort int) *Connection) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	heldSSHD, heldLocal := r.conns.heldPorts()
	sshdPort, localPort, err := r.allocator.allocate(heldSSHD, heldLocal)
	if err != nil {
		return nil, err
	}

	conn := build(sshdPort, localPort)
	r.conns.insert(conn)
	return conn, nil
}

// RemoveConnectionByParticipant removes and returns the live Connection
// referencing client.
func (r *Registries) RemoveConnectionByParticipant(client *Client) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.removeByParticipant(client)
}

// RemoveConnection removes a specific Connection by identity.
func (r *Registries) RemoveConnection(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.remove(conn)
}
