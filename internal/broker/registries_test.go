package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistries_UpsertNewAndRepeat(t *testing.T) {
	r := NewRegistries([]int{7857})
	sockA := newFakeSocket()

	isNew := r.Upsert(&Client{UUID: "AAAA", ClientType: ClientTypeSender, Socket: sockA})
	assert.True(t, isNew)

	sockB := newFakeSocket()
	isNew = r.Upsert(&Client{UUID: "AAAA", ClientType: ClientTypeSender, Socket: sockB, AutoAccept: true})
	assert.False(t, isNew, "re-register with same uuid must not duplicate the entry")

	// the old socket no longer resolves to a client.
	assert.Nil(t, r.BySocket(sockA))
	c := r.BySocket(sockB)
	require.NotNil(t, c)
	assert.True(t, c.AutoAccept)
}

func TestRegistries_FindSenderByPrefix(t *testing.T) {
	r := NewRegistries([]int{7857})
	r.Upsert(&Client{UUID: "CAT1", ClientType: ClientTypeSender, Socket: newFakeSocket()})
	r.Upsert(&Client{UUID: "CAT2", ClientType: ClientTypeSender, Socket: newFakeSocket()})
	r.Upsert(&Client{UUID: "DOG1", ClientType: ClientTypeReceiver, Socket: newFakeSocket()})

	matches := r.FindSenderByPrefix("CA")
	assert.Len(t, matches, 2)

	matches = r.FindSenderByPrefix("DOG")
	assert.Len(t, matches, 0, "receivers are never discoverable targets")

	matches = r.FindSenderByPrefix("CAT1")
	assert.Len(t, matches, 1)
}

func TestRegistries_RemoveClient(t *testing.T) {
	r := NewRegistries([]int{7857})
	sock := newFakeSocket()
	r.Upsert(&Client{UUID: "AAAA", ClientType: ClientTypeSender, Socket: sock})

	c := r.RemoveClient(sock)
	require.NotNil(t, c)
	assert.Equal(t, "AAAA", c.UUID)
	assert.Nil(t, r.BySocket(sock))
	assert.Nil(t, r.RemoveClient(sock), "removing an already-removed socket is a no-op")
}

func TestRegistries_AllocateAndInsert(t *testing.T) {
	r := NewRegistries([]int{7857, 7858})
	sender := &Client{UUID: "AAAA", Socket: newFakeSocket()}
	receiver := &Client{UUID: "BBBB", Socket: newFakeSocket()}

	conn, err := r.AllocateAndInsert(sender, receiver, func(sshdPort, localPort int) *Connection {
		return &Connection{Sender: sender, Receiver: receiver, SSHDPort: sshdPort, LocalPort: localPort}
	})
	require.NoError(t, err)
	assert.Equal(t, 7857, conn.SSHDPort)
	assert.Equal(t, 7859, conn.LocalPort)

	found := r.FindConnectionByParticipant(sender)
	assert.Same(t, conn, found)
	found = r.FindConnectionByParticipant(receiver)
	assert.Same(t, conn, found)
}

func TestRegistries_AllocateAndInsertServerFull(t *testing.T) {
	r := NewRegistries([]int{7857})
	a := &Client{UUID: "AAAA"}
	b := &Client{UUID: "BBBB"}
	_, err := r.AllocateAndInsert(a, b, func(sshdPort, localPort int) *Connection {
		return &Connection{Sender: a, Receiver: b, SSHDPort: sshdPort, LocalPort: localPort}
	})
	require.NoError(t, err)

	c := &Client{UUID: "CCCC"}
	d := &Client{UUID: "DDDD"}
	_, err = r.AllocateAndInsert(c, d, func(sshdPort, localPort int) *Connection {
		return &Connection{Sender: c, Receiver: d, SSHDPort: sshdPort, LocalPort: localPort}
	})
	assert.ErrorIs(t, err, ErrServerFull)
}

func TestRegistries_RemoveConnectionByParticipantFreesPorts(t *testing.T) {
	r := NewRegistries([]int{7857})
	a := &Client{UUID: "AAAA"}
	b := &Client{UUID: "BBBB"}
	conn, err := r.AllocateAndInsert(a, b, func(sshdPort, localPort int) *Connection {
		return &Connection{Sender: a, Receiver: b, SSHDPort: sshdPort, LocalPort: localPort}
	})
	require.NoError(t, err)

	removed := r.RemoveConnectionByParticipant(a)
	assert.Same(t, conn, removed)
	assert.Nil(t, r.FindConnectionByParticipant(a))
	assert.Nil(t, r.FindConnectionByParticipant(b))

	// the port is now free again.
	c := &Client{UUID: "CCCC"}
	d := &Client{UUID: "DDDD"}
	conn2, err := r.AllocateAndInsert(c, d, func(sshdPort, localPort int) *Connection {
		return &Connection{Sender: c, Receiver: d, SSHDPort: sshdPort, LocalPort: localPort}
	})
	require.NoError(t, err)
	assert.Equal(t, 7857, conn2.SSHDPort)
}
