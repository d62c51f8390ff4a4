package broker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEmitter_EmitAndRemove(t *testing.T) {
	dir := t.TempDir()
	ke := NewKeyEmitter(filepath.Join(dir, "authorized_keys"))

	path, err := ke.Emit(7857, []string{"ssh-ed25519 AAAAKEY1", "ssh-ed25519 AAAAKEY2"})
	require.NoError(t, err)
	assert.Equal(t, ke.Path(7857), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)
	assert.True(t, strings.HasPrefix(text, "#!/bin/sh\n"))
	assert.Contains(t, text, "ssh-ed25519 AAAAKEY1")
	assert.Contains(t, text, "ssh-ed25519 AAAAKEY2")
	assert.Contains(t, text, `no-pty,no-agent-forwarding,no-X11-forwarding`)

	require.NoError(t, ke.Remove(7857))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestKeyEmitter_EmitOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	ke := NewKeyEmitter(dir)

	_, err := ke.Emit(7857, []string{"ssh-ed25519 AAAAOLD"})
	require.NoError(t, err)

	path, err := ke.Emit(7857, []string{"ssh-ed25519 AAAANEW"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "AAAAOLD")
	assert.Contains(t, string(content), "AAAANEW")
}

func TestKeyEmitter_RemoveMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	ke := NewKeyEmitter(dir)
	assert.NoError(t, ke.Remove(9999))
}
