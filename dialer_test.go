// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverStub struct {
	lookupHost func(context.Context, string) ([]string, error)
}

func (rs resolverStub) LookupHost(ctx context.Context, name string) ([]string, error) {
	return rs.lookupHost(ctx, name)
}

func TestDialerSplitHostPortFailure(t *testing.T) {
	dialer := NewDialer(&netstub.FuncDialer{}, resolverStub{})
	_, err := dialer.DialContext(context.Background(), "tcp", "bad-address")
	require.Error(t, err)
}

func TestDialerLookupHostFailure(t *testing.T) {
	expectedErr := errors.New("lookup failed")
	resolver := resolverStub{
		lookupHost: func(context.Context, string) ([]string, error) {
			return nil, expectedErr
		},
	}
	dialer := NewDialer(&netstub.FuncDialer{}, resolver)
	_, err := dialer.DialContext(context.Background(), "tcp", "www.uwo.ca:80")
	require.ErrorIs(t, err, expectedErr)
}

func TestDialerLookupHostNoAddresses(t *testing.T) {
	resolver := resolverStub{
		lookupHost: func(context.Context, string) ([]string, error) {
			return nil, nil
		},
	}
	dialer := NewDialer(&netstub.FuncDialer{}, resolver)
	_, err := dialer.DialContext(context.Background(), "tcp", "www.uwo.ca:80")
	require.ErrorIs(t, err, dnscodec.ErrNoData)
}

func TestDialerSequentialConnect(t *testing.T) {
	expectedErr := errors.New("dial failed")
	resolver := resolverStub{
		lookupHost: func(context.Context, string) ([]string, error) {
			return []string{"203.0.113.1", "2001:db8::1"}, nil
		},
	}

	t.Run("every attempt fails", func(t *testing.T) {
		var endpoints []string
		dialer := NewDialer(&netstub.FuncDialer{
			DialContextFunc: func(_ context.Context, _, address string) (net.Conn, error) {
				endpoints = append(endpoints, address)
				return nil, expectedErr
			},
		}, resolver)
		_, err := dialer.DialContext(context.Background(), "tcp", "www.uwo.ca:80")
		require.ErrorIs(t, err, expectedErr)
		assert.Equal(t, []string{"203.0.113.1:80", "[2001:db8::1]:80"}, endpoints)
	})

	t.Run("the second attempt succeeds", func(t *testing.T) {
		expectedConn := &netstub.FuncConn{}
		dialer := NewDialer(&netstub.FuncDialer{
			DialContextFunc: func(_ context.Context, _, address string) (net.Conn, error) {
				if address == "203.0.113.1:80" {
					return nil, expectedErr
				}
				return expectedConn, nil
			},
		}, resolver)
		conn, err := dialer.DialContext(context.Background(), "tcp", "www.uwo.ca:80")
		require.NoError(t, err)
		assert.Same(t, expectedConn, conn)
	})
}

func TestDialerIPAddressSkipsLookup(t *testing.T) {
	var endpoint string
	dialer := NewDialer(&netstub.FuncDialer{
		DialContextFunc: func(_ context.Context, _, address string) (net.Conn, error) {
			endpoint = address
			return nil, errors.New("dial failed")
		},
	}, resolverStub{})
	_, err := dialer.DialContext(context.Background(), "udp", "[::1]:53")
	require.Error(t, err)
	assert.Equal(t, "[::1]:53", endpoint)
}

func TestDialerWithArbitratingResolver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	endpoint, _ := startResponder(t, ctx, func(r *Responder) {
		r.Answer = "127.0.0.1"
	})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	_, port, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)

	arb := NewArbitrator(newLoopbackTransport(t), endpoint, netip.AddrPort{}, nil)
	arb.FallbackTimeout = 100 * time.Millisecond
	dialer := NewDialer(&net.Dialer{}, NewResolver(arb, NewEstimators()))

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("www.uwo.ca", port))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, listener.Addr().String(), conn.RemoteAddr().String())
}
