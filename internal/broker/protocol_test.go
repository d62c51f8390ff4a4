package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPubKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAVem61ussmFb9FPJ93kO0McAemywVhUWi7SOo86Ka3B"

func TestParseInbound_Register(t *testing.T) {
	raw := []byte(`{"type":"register","ssh_key":"` + testPubKey + `","uuid":"AAAA","auto_accept":true,"port_whitelist":[],"port_blacklist":[],"client_type":"sender"}`)
	msg, err := ParseInbound(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Register)
	assert.Equal(t, "AAAA", msg.Register.UUID)
	assert.True(t, msg.Register.AutoAccept)
	assert.Equal(t, ClientTypeSender, msg.Register.ClientType)
}

func TestParseInbound_RegisterRejectsBothLists(t *testing.T) {
	raw := []byte(`{"type":"register","ssh_key":"` + testPubKey + `","uuid":"AAAA","auto_accept":false,"port_whitelist":[22],"port_blacklist":[80],"client_type":"sender"}`)
	_, err := ParseInbound(raw)
	assert.Error(t, err)
}

func TestParseInbound_RegisterRejectsBadKey(t *testing.T) {
	raw := []byte(`{"type":"register","ssh_key":"not a key","uuid":"AAAA","auto_accept":false,"port_whitelist":[],"port_blacklist":[],"client_type":"sender"}`)
	_, err := ParseInbound(raw)
	assert.Error(t, err)
}

func TestParseInbound_RegisterRejectsBadClientType(t *testing.T) {
	raw := []byte(`{"type":"register","ssh_key":"` + testPubKey + `","uuid":"AAAA","auto_accept":false,"port_whitelist":[],"port_blacklist":[],"client_type":"potato"}`)
	_, err := ParseInbound(raw)
	assert.Error(t, err)
}

func TestParseInbound_ConnectToHost(t *testing.T) {
	raw := []byte(`{"type":"connect_to_host","target":"AA","port":8080}`)
	msg, err := ParseInbound(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Connect)
	assert.Equal(t, "AA", msg.Connect.Target)
	assert.Equal(t, 8080, msg.Connect.Port)
}

func TestParseInbound_ConnectToHostRejectsBadPort(t *testing.T) {
	raw := []byte(`{"type":"connect_to_host","target":"AA","port":70000}`)
	_, err := ParseInbound(raw)
	assert.Error(t, err)
}

func TestParseInbound_AcceptDeny(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"connect_accept"}`))
	require.NoError(t, err)
	assert.NotNil(t, msg.Accept)

	msg, err = ParseInbound([]byte(`{"type":"connect_deny"}`))
	require.NoError(t, err)
	assert.NotNil(t, msg.Deny)
}

func TestParseInbound_UnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"frobnicate"}`))
	assert.Error(t, err)
}

func TestParseInbound_MalformedJSON(t *testing.T) {
	_, err := ParseInbound([]byte(`not json`))
	assert.Error(t, err)
}

func TestIsWellFormedUUID(t *testing.T) {
	assert.False(t, isWellFormedUUID("AAAA"))
	assert.True(t, isWellFormedUUID("4c9e6f1a-1b2c-4d3e-9f4a-0123456789ab"))
}
