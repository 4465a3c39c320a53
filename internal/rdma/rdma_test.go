package rdma

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{"host", LocationHost},
		{"host_mem", LocationHost},
		{"HOST_MEM", LocationHost},
		{"device", LocationDevice},
		{"dev_mem", LocationDevice},
	}
	for _, tt := range tests {
		got, err := ParseLocation(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLocation("gpu_mem")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	assert.Equal(t, "host_mem", LocationHost.String())
	assert.Equal(t, "dev_mem", LocationDevice.String())
}

func TestBufferBytes(t *testing.T) {
	host := NewBuffer(0x1000, 0x9000, 16, LocationHost, make([]byte, 16))
	p, err := host.Bytes()
	require.NoError(t, err)
	assert.Len(t, p, 16)

	dev := NewBuffer(0x2000, 0xa000, 16, LocationDevice, nil)
	_, err = dev.Bytes()
	assert.ErrorIs(t, err, ErrNotHostAddressable)
}

func TestBufferContains(t *testing.T) {
	b := NewBuffer(0x1000, 0x1000, 64, LocationHost, make([]byte, 64))
	assert.True(t, b.Contains(0x1000, 64))
	assert.True(t, b.Contains(0x1010, 16))
	assert.False(t, b.Contains(0x0fff, 4))
	assert.False(t, b.Contains(0x1000, 65))
	assert.False(t, b.Contains(0x1040, 1))
	assert.False(t, b.Contains(^uint64(0)-2, 8), "wrap-around must not pass")
}

func TestMACAndIPConversions(t *testing.T) {
	m, err := ParseMAC("00:0a:35:01:02:03")
	require.NoError(t, err)
	assert.Equal(t, "00:0a:35:01:02:03", m.String())
	assert.Equal(t, uint64(0x000a35010203), m.Uint64())

	_, err = ParseMAC("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01")
	assert.Error(t, err)

	v, err := IPv4ToUint32(net.ParseIP("192.168.1.100"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xc0a80164), v)

	_, err = IPv4ToUint32(net.ParseIP("fe80::1"))
	assert.Error(t, err)
}

func TestLifecycleOrder(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateUninitialized, l.State())

	// Skipping a step is rejected
	assert.Error(t, l.Advance(StatePDAllocated))

	for _, s := range []State{StateDeviceOpen, StatePDAllocated, StateBufferRegistered, StateQPAllocated, StateReady} {
		require.NoError(t, l.Advance(s))
	}
	assert.Equal(t, StateReady, l.State())
	assert.NoError(t, l.Require(StateReady))

	// Ready is terminal
	assert.Error(t, l.Advance(StateReady+1))
	assert.Error(t, l.Advance(StateDeviceOpen))
	assert.Equal(t, StateReady, l.State())
}

func TestCompletionError(t *testing.T) {
	inner := errors.New("NAK")
	err := error(&CompletionError{QPID: 2, Code: -4, Status: StatusRemoteAccessError, Err: inner})

	var ce *CompletionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, -4, ce.Code)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "code -4")
	assert.Contains(t, err.Error(), "remote access error")
	assert.Equal(t, "retry exceeded", StatusRetryExceeded.String())
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "READ", OpRead.String())
	assert.Equal(t, "opcode(0x7f)", Opcode(0x7f).String())
}
