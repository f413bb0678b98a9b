// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackTransport creates a [*UDPTransport] bound to a random loopback port.
func newLoopbackTransport(t *testing.T) *UDPTransport {
	t.Helper()
	txp, err := ListenUDP(context.Background(), &net.ListenConfig{}, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { txp.Close() })
	return txp
}

// localAddrPort returns the local address of a [*UDPTransport].
func localAddrPort(t *testing.T, txp *UDPTransport) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(txp.LocalAddr().String())
	require.NoError(t, err)
	return addr
}

func TestUDPTransportSendRecv(t *testing.T) {
	client := newLoopbackTransport(t)
	peer := newLoopbackTransport(t)

	var (
		hookQuery []byte
		hookResp  []byte
	)
	client.ObserveRawQuery = func(p []byte) {
		hookQuery = append([]byte{}, p...)
		p[0] ^= 0xff // mutate to verify we've got a copy
	}
	peer.ObserveRawResponse = func(p []byte) {
		hookResp = append([]byte{}, p...)
		p[0] ^= 0xff // mutate to verify we've got a copy
	}
	stamp := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	peer.TimeNow = func() time.Time { return stamp }

	payload := []byte("hello, world")
	require.NoError(t, client.Send(context.Background(), payload, localAddrPort(t, peer)))

	datagram, err := peer.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, datagram.Raw)
	assert.Equal(t, payload, hookQuery)
	assert.Equal(t, payload, hookResp)
	assert.Equal(t, localAddrPort(t, client), datagram.Source)
	assert.Equal(t, stamp, datagram.ReceivedAt)
}

func TestUDPTransportRecvTimeout(t *testing.T) {
	txp := newLoopbackTransport(t)

	t0 := time.Now()
	_, err := txp.Recv(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(t0), 20*time.Millisecond)

	t.Run("the context deadline wins when it comes first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := txp.Recv(ctx, time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, errors.Is(err, os.ErrDeadlineExceeded))
	})

	t.Run("a done context fails immediately", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := txp.Recv(ctx, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestUDPTransportSendError(t *testing.T) {
	txp := newLoopbackTransport(t)
	require.NoError(t, txp.Close())
	err := txp.Send(context.Background(), []byte{0}, netip.MustParseAddrPort("127.0.0.1:53"))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestListenUDPFailure(t *testing.T) {
	_, err := ListenUDP(context.Background(), &net.ListenConfig{}, "not-an-address")
	require.Error(t, err)
}
