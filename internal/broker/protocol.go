package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/kensa-tunnel/broker/internal/config"
)

// ClientType distinguishes the two agent roles. Only senders are
// discoverable as connect_to_host targets.
type ClientType string

const (
	ClientTypeSender   ClientType = "sender"
	ClientTypeReceiver ClientType = "receiver"
)

func (t ClientType) valid() bool {
	return t == ClientTypeSender || t == ClientTypeReceiver
}

// Inbound message discriminators.
const (
	msgRegister      = "register"
	msgConnectToHost = "connect_to_host"
	msgConnectAccept = "connect_accept"
	msgConnectDeny   = "connect_deny"
)

// Outbound message discriminators.
const (
	msgResponse      = "response"
	msgConnectConfirm = "connect_confirm"
	msgTunnelConnect = "tunnel_connect"
	msgTunnelClose   = "tunnel_close"
)

// envelope is used only to peek at the discriminator field before
// unmarshaling the full variant.
type envelope struct {
	Type string `json:"type"`
}

// RegisterMsg is sent by a client to register with, or re-register
// against, the broker.
type RegisterMsg struct {
	SSHKey        string     `json:"ssh_key"`
	UUID          string     `json:"uuid"`
	AutoAccept    bool       `json:"auto_accept"`
	PortWhitelist []int      `json:"port_whitelist"`
	PortBlacklist []int      `json:"port_blacklist"`
	ClientType    ClientType `json:"client_type"`
}

// ConnectToHostMsg is sent by a receiver to request a tunnel to a
// sender identified by a uuid prefix.
type ConnectToHostMsg struct {
	Target string `json:"target"`
	Port   int    `json:"port"`
}

// ConnectAcceptMsg and ConnectDenyMsg carry no fields; they answer a
// pending connect_confirm.
type ConnectAcceptMsg struct{}
type ConnectDenyMsg struct{}

// InboundMessage is the parsed result of one inbound frame.
type InboundMessage struct {
	Type      string
	Register  *RegisterMsg
	Connect   *ConnectToHostMsg
	Accept    *ConnectAcceptMsg
	Deny      *ConnectDenyMsg
}

// ParseInbound validates an inbound JSON frame against the tagged-union
// schema in use on the wire and returns the typed message. Any failure
// is reported as a validation detail string suitable for a
// response(success=false, error=...) reply.
func ParseInbound(raw []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("invalid JSON: %s", err)
	}

	switch env.Type {
	case msgRegister:
		var m RegisterMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return InboundMessage{}, fmt.Errorf("invalid register message: %s", err)
		}
		if err := validateRegister(&m); err != nil {
			return InboundMessage{}, err
		}
		return InboundMessage{Type: msgRegister, Register: &m}, nil

	case msgConnectToHost:
		var m ConnectToHostMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return InboundMessage{}, fmt.Errorf("invalid connect_to_host message: %s", err)
		}
		if m.Target == "" {
			return InboundMessage{}, fmt.Errorf("connect_to_host.target must be non-empty")
		}
		if err := config.ValidatePort(m.Port); err != nil {
			return InboundMessage{}, fmt.Errorf("connect_to_host.port: %s", err)
		}
		return InboundMessage{Type: msgConnectToHost, Connect: &m}, nil

	case msgConnectAccept:
		return InboundMessage{Type: msgConnectAccept, Accept: &ConnectAcceptMsg{}}, nil

	case msgConnectDeny:
		return InboundMessage{Type: msgConnectDeny, Deny: &ConnectDenyMsg{}}, nil

	default:
		return InboundMessage{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// isWellFormedUUID reports whether s parses as an RFC-4122 UUID. The
// wire protocol never required this -- uuid is an opaque, self-declared
// string -- so a false result is only ever used for a debug log line,
// never for rejecting a register.
func isWellFormedUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func validateRegister(m *RegisterMsg) error {
	if m.UUID == "" {
		return fmt.Errorf("register.uuid must be non-empty")
	}
	if m.SSHKey == "" {
		return fmt.Errorf("register.ssh_key must be non-empty")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(m.SSHKey)); err != nil {
		return fmt.Errorf("register.ssh_key does not parse as an SSH public key: %s", err)
	}
	if !m.ClientType.valid() {
		return fmt.Errorf("register.client_type must be %q or %q", ClientTypeSender, ClientTypeReceiver)
	}
	for _, p := range m.PortWhitelist {
		if err := config.ValidatePort(p); err != nil {
			return fmt.Errorf("register.port_whitelist: %s", err)
		}
	}
	for _, p := range m.PortBlacklist {
		if err := config.ValidatePort(p); err != nil {
			return fmt.Errorf("register.port_blacklist: %s", err)
		}
	}
	if len(m.PortWhitelist) > 0 && len(m.PortBlacklist) > 0 {
		return fmt.Errorf("port_whitelist and port_blacklist are mutually exclusive")
	}
	return nil
}

// --- outbound messages ---

// ResponseMsg is the generic success/failure reply to an inbound
// message.
type ResponseMsg struct {
	Type    string  `json:"type"`
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

func okResponse() ResponseMsg {
	return ResponseMsg{Type: msgResponse, Success: true}
}

func errResponse(format string, args ...interface{}) ResponseMsg {
	msg := fmt.Sprintf(format, args...)
	return ResponseMsg{Type: msgResponse, Success: false, Error: &msg}
}

// ConnectConfirmMsg is sent to a target sender awaiting manual approval.
type ConnectConfirmMsg struct {
	Type         string `json:"type"`
	SourceClient string `json:"source_client"`
	Port         int    `json:"port"`
}

// TunnelConnectMsg is the success signal sent to both peers once a
// tunnel has been provisioned.
type TunnelConnectMsg struct {
	Type           string     `json:"type"`
	ClientType     ClientType `json:"client_type"`
	User           string     `json:"user"`
	SSHDPort       int        `json:"sshd_port"`
	LocalPort      int        `json:"local_port"`
	ForwardedPort  int        `json:"forwarded_port"`
}

// TunnelCloseMsg notifies a peer that its tunnel has been torn down.
type TunnelCloseMsg struct {
	Type string `json:"type"`
}

func tunnelCloseMsg() TunnelCloseMsg {
	return TunnelCloseMsg{Type: msgTunnelClose}
}
