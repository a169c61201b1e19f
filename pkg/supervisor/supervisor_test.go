package supervisor

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenReusePortAllowsSecondBind(t *testing.T) {
	ctx := context.Background()

	first, err := listenReusePort(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	addr := first.Addr().String()

	// The whole point of SO_REUSEPORT: a replacement process can bind the
	// same port while the old one still holds it.
	second, err := listenReusePort(ctx, addr)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, addr, second.Addr().String())

	// A plain listener without the option must not be able to take the port.
	_, err = net.Listen("tcp", addr)
	assert.Error(t, err)
}
