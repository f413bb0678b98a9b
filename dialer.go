//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package rttguard

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/runtimex"
	"github.com/sirupsen/logrus"
)

// DialerResolver is the resolver expected by [*Dialer].
//
// Both [*net.Resolver] and [*Resolver] implement this interface.
type DialerResolver interface {
	LookupHost(ctx context.Context, name string) ([]string, error)
}

// Dialer dials "host:port" addresses like [*net.Dialer] does, except that
// host is resolved using a [DialerResolver], typically a [*Resolver], so
// that connections only reach addresses accepted by the arbitration.
//
// Construct using [NewDialer].
type Dialer struct {
	// Resolver resolves the host names.
	//
	// Set by [NewDialer] to the user-provided value.
	Resolver DialerResolver

	// NetDialer creates the connections.
	//
	// Set by [NewDialer] to the user-provided value.
	NetDialer NetDialer

	// Logger is the logger to use.
	//
	// Set by [NewDialer] to [NewDiscardLogger].
	Logger logrus.FieldLogger
}

// NewDialer creates a new [*Dialer] instance.
func NewDialer(netDialer NetDialer, reso DialerResolver) *Dialer {
	return &Dialer{
		Resolver:  reso,
		NetDialer: netDialer,
		Logger:    NewDiscardLogger(),
	}
}

// DialContext creates a new [net.Conn] trying each resolved address in turn.
func (d *Dialer) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	// 1. separate the domain name and the port
	name, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// 2. resolve the domain name to IP addresses
	addrs, err := d.lookupHost(ctx, name)
	if err != nil {
		return nil, err
	}
	runtimex.Assert(len(addrs) >= 1)

	// 3. attempt to connect sequentially
	errv := make([]error, 0, len(addrs))
	for _, addr := range addrs {
		endpoint := net.JoinHostPort(addr, port)
		conn, err := d.NetDialer.DialContext(ctx, network, endpoint)
		if err != nil {
			d.Logger.WithError(err).WithField("endpoint", endpoint).Debug("dialer: connect failed")
			errv = append(errv, err)
			continue
		}
		return conn, nil
	}

	// 4. bail if all the connect attempts failed
	return nil, errors.Join(errv...)
}

// lookupHost short circuits IP addresses.
func (d *Dialer) lookupHost(ctx context.Context, name string) ([]string, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []string{addr.String()}, nil
	}
	addrs, err := d.Resolver.LookupHost(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(addrs) < 1 {
		return nil, dnscodec.ErrNoData
	}
	return addrs, nil
}
