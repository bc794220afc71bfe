package portprobe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAvailablePort(t *testing.T) {
	port, err := FindAvailablePort(29100, 29199)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 29100)
	assert.LessOrEqual(t, port, 29199)
}

func TestFindAvailablePortSkipsBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:29200")
	require.NoError(t, err)
	defer ln.Close()

	port, err := FindAvailablePort(29200, 29201)
	require.NoError(t, err)
	assert.Equal(t, 29201, port)
}

func TestFindAvailablePortExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:29300")
	require.NoError(t, err)
	defer ln.Close()

	_, err = FindAvailablePort(29300, 29300)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:29400")
	require.NoError(t, err)
	defer ln.Close()

	assert.True(t, IsReachable(29400, 200*time.Millisecond))
	assert.False(t, IsReachable(29401, 200*time.Millisecond))
}
