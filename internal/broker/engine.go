// Package broker implements the rendezvous and tunnel-provisioning core:
// the client/connection registries, the authorized-keys emitter, the
// sshd supervisor, and the signaling protocol engine that ties them
// together.
package broker

import (
	"context"

	"github.com/google/uuid"

	"github.com/kensa-tunnel/broker/internal/logging"
)

// sshdSpawner is the subset of *SSHDSupervisor the engine depends on,
// broken out so tests can substitute a fake that never execs a real
// sshd binary.
type sshdSpawner interface {
	Spawn(ctx context.Context, sshdPort, localPort int, authorizedKeysScript string, onUnexpectedExit func(*SupervisedChild, error)) (*SupervisedChild, error)
}

// Engine is the Signaling Protocol Engine (C6). It owns the Registries,
// the pending-approval queue, the key emitter, and the sshd supervisor,
// and processes every inbound event on a single internal goroutine so
// that register/connect/approve/deny/close transitions never interleave
// -- matching the cooperative single-threaded scheduling model, with
// the sshd readiness wait the one operation allowed to run outside that
// serialization.
type Engine struct {
	registries *Registries
	pending    *pendingApprovals
	keys       *KeyEmitter
	supervisor sshdSpawner

	forwardingUser string
	log            logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
}

// NewEngine builds an Engine and starts its processing goroutine.
func NewEngine(registries *Registries, keys *KeyEmitter, supervisor sshdSpawner, forwardingUser string, log logging.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registries:     registries,
		pending:        newPendingApprovals(),
		keys:           keys,
		supervisor:     supervisor,
		forwardingUser: forwardingUser,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan func()),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	for fn := range e.events {
		fn()
	}
}

// submit runs fn on the engine goroutine and blocks until it completes,
// giving callers (one per socket's read loop) the serialized,
// run-to-completion semantics the protocol requires.
func (e *Engine) submit(fn func()) {
	done := make(chan struct{})
	e.events <- func() {
		fn()
		close(done)
	}
	<-done
}

// Close stops the engine's processing goroutine. A submit that sends
// after Close panics on the closed events channel; callers must stop
// submitting before calling Close.
func (e *Engine) Close() {
	e.cancel()
	close(e.events)
}

// HandleInbound parses and dispatches one inbound frame from sock.
func (e *Engine) HandleInbound(sock Socket, raw []byte) {
	msg, err := ParseInbound(raw)
	if err != nil {
		sock.Send(errResponse("%s", err))
		return
	}
	e.submit(func() {
		switch msg.Type {
		case msgRegister:
			e.handleRegister(sock, msg.Register)
		case msgConnectToHost:
			e.handleConnectToHost(sock, msg.Connect)
		case msgConnectAccept:
			e.handleAccept(sock)
		case msgConnectDeny:
			e.handleDeny(sock)
		}
	})
}

// HandleClose runs the Lifecycle Reaper (C7) for sock's close.
func (e *Engine) HandleClose(sock Socket) {
	e.submit(func() {
		e.reapSocket(sock)
	})
}

func (e *Engine) handleRegister(sock Socket, m *RegisterMsg) {
	if !isWellFormedUUID(m.UUID) {
		e.log.DLogf("register from %s: uuid %q is not RFC-4122, accepting as opaque id", sock.RemoteAddr(), m.UUID)
	}
	client := &Client{
		UUID:          m.UUID,
		SSHKey:        m.SSHKey,
		AutoAccept:    m.AutoAccept,
		PortWhitelist: m.PortWhitelist,
		PortBlacklist: m.PortBlacklist,
		ClientType:    m.ClientType,
		Socket:        sock,
	}
	isNew := e.registries.Upsert(client)
	if isNew {
		e.log.ILogf("registered new %s client %s from %s", m.ClientType, m.UUID, sock.RemoteAddr())
	} else {
		e.log.ILogf("re-registered %s client %s from %s", m.ClientType, m.UUID, sock.RemoteAddr())
	}
	sock.Send(okResponse())
}

func (e *Engine) handleConnectToHost(sock Socket, m *ConnectToHostMsg) {
	requester := e.registries.BySocket(sock)
	if requester == nil {
		sock.Send(errResponse("you are not registered"))
		return
	}
	if requester.ClientType != ClientTypeReceiver {
		sock.Send(errResponse("only receivers may request a connection"))
		return
	}

	targets := e.registries.FindSenderByPrefix(m.Target)
	switch {
	case len(targets) == 0:
		sock.Send(errResponse("no match (target %q)", m.Target))
		return
	case len(targets) > 1:
		sock.Send(errResponse("ambiguous prefix (target %q)", m.Target))
		return
	}
	target := targets[0]

	if !target.PortAllowed(m.Port) {
		sock.Send(errResponse("target's port_whitelist/port_blacklist policy denies port %d", m.Port))
		return
	}

	if target.AutoAccept {
		e.provision(target, requester, m.Port)
		return
	}

	e.pending.enqueue(target, requester, m.Port)
	target.Socket.Send(ConnectConfirmMsg{Type: msgConnectConfirm, SourceClient: requester.UUID, Port: m.Port})
}

func (e *Engine) handleAccept(sock Socket) {
	target := e.registries.BySocket(sock)
	if target == nil {
		sock.Send(errResponse("you are not registered"))
		return
	}
	req, ok := e.pending.popHead(target)
	if !ok {
		return
	}
	e.provision(target, req.requester, req.port)
}

func (e *Engine) handleDeny(sock Socket) {
	target := e.registries.BySocket(sock)
	if target == nil {
		sock.Send(errResponse("you are not registered"))
		return
	}
	req, ok := e.pending.popHead(target)
	if !ok {
		return
	}
	req.requester.Socket.Send(errResponse("The client denied the connection"))
}

// provision allocates a port pair and inserts the Connection atomically
// (so no concurrent allocation can observe the in-between state), emits
// the authorized-keys script, then spawns sshd asynchronously so the
// sshd readiness probe never blocks the engine's single goroutine.
// Completion (success or failure) is reported back through submit.
func (e *Engine) provision(sender, receiver *Client, requestedPort int) {
	conn, err := e.registries.AllocateAndInsert(sender, receiver, func(sshdPort, localPort int) *Connection {
		return &Connection{ID: uuid.New().String(), Sender: sender, Receiver: receiver, SSHDPort: sshdPort, LocalPort: localPort}
	})
	if err != nil {
		receiver.Socket.Send(errResponse("Server is full"))
		return
	}

	scriptPath, err := e.keys.Emit(conn.SSHDPort, []string{sender.SSHKey, receiver.SSHKey})
	if err != nil {
		e.registries.RemoveConnection(conn)
		e.log.ELogf("connection %s: emitting authorized-keys script for port %d: %s", conn.ID, conn.SSHDPort, err)
		receiver.Socket.Send(errResponse("internal error provisioning tunnel"))
		return
	}
	conn.KeysScript = scriptPath

	go func() {
		onExit := func(_ *SupervisedChild, exitErr error) {
			e.submit(func() { e.reapConnection(conn, exitErr) })
		}
		child, spawnErr := e.supervisor.Spawn(e.ctx, conn.SSHDPort, conn.LocalPort, scriptPath, onExit)
		e.submit(func() { e.completeProvision(conn, requestedPort, child, spawnErr) })
	}()
}

func (e *Engine) completeProvision(conn *Connection, requestedPort int, child *SupervisedChild, spawnErr error) {
	if spawnErr != nil {
		e.registries.RemoveConnection(conn)
		e.keys.Remove(conn.SSHDPort)
		e.log.ELogf("connection %s: provisioning sshd on port %d: %s", conn.ID, conn.SSHDPort, spawnErr)
		conn.Receiver.Socket.Send(errResponse("internal error provisioning tunnel"))
		return
	}
	conn.Child = child

	conn.Receiver.Socket.Send(TunnelConnectMsg{
		Type:          msgTunnelConnect,
		ClientType:    ClientTypeReceiver,
		User:          e.forwardingUser,
		SSHDPort:      conn.SSHDPort,
		LocalPort:     conn.LocalPort,
		ForwardedPort: 0,
	})
	conn.Sender.Socket.Send(TunnelConnectMsg{
		Type:          msgTunnelConnect,
		ClientType:    ClientTypeSender,
		User:          e.forwardingUser,
		SSHDPort:      conn.SSHDPort,
		LocalPort:     conn.LocalPort,
		ForwardedPort: requestedPort,
	})
}

// reapSocket is the socket-close path of the Lifecycle Reaper (C7).
func (e *Engine) reapSocket(sock Socket) {
	client := e.registries.RemoveClient(sock)
	if client == nil {
		return
	}

	e.pending.removeRequester(client)
	for _, req := range e.pending.drainTarget(client) {
		req.requester.Socket.Send(errResponse("the target disconnected"))
	}

	conn := e.registries.RemoveConnectionByParticipant(client)
	if conn == nil {
		return
	}
	e.teardownConnection(conn, conn.Other(client))
}

// reapConnection is the sshd-exit-watcher path of the Lifecycle Reaper:
// the Connection is identified directly rather than via a closing
// socket, so both peers are notified since neither initiated teardown.
func (e *Engine) reapConnection(conn *Connection, exitErr error) {
	if !e.registries.RemoveConnection(conn) {
		// Already reaped via a socket close racing the exit-watcher.
		return
	}
	if exitErr != nil {
		e.log.WLogf("connection %s: sshd on port %d exited unexpectedly: %s", conn.ID, conn.SSHDPort, exitErr)
	}
	// Neither peer initiated this teardown, so both are notified.
	e.teardownConnection(conn, nil)
	if conn.Sender != nil {
		conn.Sender.Socket.Send(tunnelCloseMsg())
	}
	if conn.Receiver != nil {
		conn.Receiver.Socket.Send(tunnelCloseMsg())
	}
}

// teardownConnection notifies notify (if non-nil) of tunnel_close, kills
// the child sshd, and removes the ephemeral keys script. It does not
// touch the registries -- the caller has already removed conn.
func (e *Engine) teardownConnection(conn *Connection, notify *Client) {
	if notify != nil {
		notify.Socket.Send(tunnelCloseMsg())
	}
	if conn.Child != nil {
		if err := conn.Child.Kill(); err != nil {
			e.log.DLogf("connection %s: killing child sshd on port %d: %s", conn.ID, conn.SSHDPort, err)
		}
	}
	if err := e.keys.Remove(conn.SSHDPort); err != nil {
		e.log.WLogf("connection %s: removing authorized-keys script for port %d: %s", conn.ID, conn.SSHDPort, err)
	}
}
