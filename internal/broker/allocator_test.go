package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_FirstAllocationUsesFirstPort(t *testing.T) {
	a := NewAllocator([]int{7857, 7858, 7859})
	sshd, local, err := a.allocate(map[int]bool{}, map[int]bool{})
	require.NoError(t, err)
	assert.Equal(t, 7857, sshd)
	assert.Equal(t, 7860, local)
}

func TestAllocator_SkipsHeldSSHDPorts(t *testing.T) {
	a := NewAllocator([]int{7857, 7858, 7859})
	sshd, _, err := a.allocate(map[int]bool{7857: true}, map[int]bool{})
	require.NoError(t, err)
	assert.Equal(t, 7858, sshd)
}

func TestAllocator_ServerFull(t *testing.T) {
	a := NewAllocator([]int{7857})
	_, _, err := a.allocate(map[int]bool{7857: true}, map[int]bool{})
	assert.ErrorIs(t, err, ErrServerFull)
}

func TestAllocator_LocalPortIncrementsOnCollision(t *testing.T) {
	a := NewAllocator([]int{7857, 7858, 7859})
	_, local, err := a.allocate(map[int]bool{}, map[int]bool{7860: true, 7861: true})
	require.NoError(t, err)
	assert.Equal(t, 7862, local)
}

func TestAllocator_LocalPortAlwaysAboveMaxConfigured(t *testing.T) {
	a := NewAllocator([]int{7857, 7858, 7859})
	_, local, err := a.allocate(map[int]bool{}, map[int]bool{})
	require.NoError(t, err)
	assert.Greater(t, local, 7859)
}
