package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FORWARDING_USER", "forward_user")
	t.Setenv("OPENED_PORTS", "7857,7858,7859")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7856, cfg.ServerPort)
	assert.Equal(t, "keys", cfg.KeysFolder)
	assert.Equal(t, []int{7857, 7858, 7859}, cfg.OpenedPorts)
	assert.Equal(t, 7859, cfg.MaxOpenedPort())
}

func TestLoad_MissingForwardingUser(t *testing.T) {
	t.Setenv("FORWARDING_USER", "")
	t.Setenv("OPENED_PORTS", "7857")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_EmptyOpenedPorts(t *testing.T) {
	t.Setenv("FORWARDING_USER", "forward_user")
	t.Setenv("OPENED_PORTS", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PortsDeduplicatedAndSorted(t *testing.T) {
	t.Setenv("FORWARDING_USER", "forward_user")
	t.Setenv("OPENED_PORTS", "7859, 7857, 7857, 7858")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{7857, 7858, 7859}, cfg.OpenedPorts)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("FORWARDING_USER", "forward_user")
	t.Setenv("OPENED_PORTS", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(65536))
}
