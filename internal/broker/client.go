package broker

// Socket is the broker's view of one agent's persistent transport
// connection. The engine never touches gorilla/websocket directly --
// internal/transport supplies the concrete implementation -- so the
// core state machine stays testable without a real network socket.
type Socket interface {
	// ID is a stable identity usable as a map key and in log lines. It is
	// not the uuid: a socket exists (in UNREGISTERED state) before any
	// register message names a uuid.
	ID() uint64

	// Send delivers one outbound message, JSON-encoded, to the peer.
	// Implementations must serialize concurrent calls themselves: the
	// engine calls Send from its own goroutine, except for the reply to
	// an unparseable frame, which HandleInbound sends from the caller's
	// goroutine.
	Send(msg interface{}) error

	// RemoteAddr is used only for log lines.
	RemoteAddr() string
}

// Client is one registered agent.
type Client struct {
	UUID          string
	SSHKey        string
	AutoAccept    bool
	PortWhitelist []int
	PortBlacklist []int
	ClientType    ClientType
	Socket        Socket
}

// PortAllowed applies the policy order from the data model: whitelist
// takes precedence when non-empty; otherwise a non-empty blacklist
// denies; otherwise everything is permitted.
func (c *Client) PortAllowed(port int) bool {
	if len(c.PortWhitelist) > 0 {
		for _, p := range c.PortWhitelist {
			if p == port {
				return true
			}
		}
		return false
	}
	if len(c.PortBlacklist) > 0 {
		for _, p := range c.PortBlacklist {
			if p == port {
				return false
			}
		}
		return true
	}
	return true
}

// Connection is one active tunnel between a sender and a receiver.
type Connection struct {
	ID         string // internal correlation id, never sent on the wire
	Sender     *Client
	Receiver   *Client
	SSHDPort   int
	LocalPort  int
	Child      *SupervisedChild
	KeysScript string
}

// HasParticipant reports whether c is either the sender or the
// receiver of this connection.
func (conn *Connection) HasParticipant(c *Client) bool {
	return conn.Sender == c || conn.Receiver == c
}

// Other returns the peer of c in this connection, or nil if c is not a
// participant.
func (conn *Connection) Other(c *Client) *Client {
	switch {
	case conn.Sender == c:
		return conn.Receiver
	case conn.Receiver == c:
		return conn.Sender
	default:
		return nil
	}
}
