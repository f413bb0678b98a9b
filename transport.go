// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/bassosimone/dnscodec"
)

// Datagram is a datagram received by a [Transport].
type Datagram struct {
	// Raw contains the datagram payload.
	Raw []byte

	// Source is the sender address. IPv4-mapped IPv6 addresses are unmapped.
	Source netip.AddrPort

	// ReceivedAt is when the datagram was read from the socket.
	ReceivedAt time.Time
}

// Transport sends raw queries to several destinations through a single
// socket and receives whatever comes back on that socket.
//
// Recv must fail with an error wrapping [os.ErrDeadlineExceeded] when the
// timeout expires without a datagram.
type Transport interface {
	Send(ctx context.Context, raw []byte, dest netip.AddrPort) error
	Recv(ctx context.Context, timeout time.Duration) (*Datagram, error)
}

// PacketConn abstracts over [*net.UDPConn].
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport implements [Transport] using an unconnected UDP socket.
//
// Construct using [NewUDPTransport] or [ListenUDP].
type UDPTransport struct {
	// Conn is the socket used for both sending and receiving.
	//
	// Set by [NewUDPTransport] to the user-provided value.
	Conn PacketConn

	// TimeNow returns the time used to stamp [*Datagram.ReceivedAt].
	//
	// Set by [NewUDPTransport] to [time.Now].
	TimeNow func() time.Time

	// ObserveRawQuery is an optional hook called with a copy of each raw query.
	ObserveRawQuery func([]byte)

	// ObserveRawResponse is an optional hook called with a copy of each raw datagram.
	ObserveRawResponse func([]byte)
}

// NewUDPTransport creates a new [*UDPTransport].
func NewUDPTransport(conn PacketConn) *UDPTransport {
	return &UDPTransport{
		Conn:    conn,
		TimeNow: time.Now,
	}
}

// ListenUDP creates a [*UDPTransport] bound to the given local address.
func ListenUDP(ctx context.Context, lc *net.ListenConfig, address string) (*UDPTransport, error) {
	pconn, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	conn, ok := pconn.(*net.UDPConn)
	if !ok {
		pconn.Close()
		return nil, fmt.Errorf("rttguard: unexpected socket type %T", pconn)
	}
	return NewUDPTransport(conn), nil
}

// Ensure that [*UDPTransport] implements [Transport].
var _ Transport = &UDPTransport{}

// LocalAddr returns the local socket address.
func (tx *UDPTransport) LocalAddr() net.Addr {
	return tx.Conn.LocalAddr()
}

// Close closes the underlying socket.
func (tx *UDPTransport) Close() error {
	return tx.Conn.Close()
}

// Send implements [Transport].
//
// We only honor deadlines from the context.
func (tx *UDPTransport) Send(ctx context.Context, raw []byte, dest netip.AddrPort) error {
	// 1. Use the context deadline to limit the lifetime.
	if deadline, ok := ctx.Deadline(); ok {
		_ = tx.Conn.SetWriteDeadline(deadline)
		defer tx.Conn.SetWriteDeadline(time.Time{})
	}

	// 2. Possibly observe the query.
	if tx.ObserveRawQuery != nil {
		tx.ObserveRawQuery(bytes.Clone(raw))
	}

	// 3. Send the query.
	_, err := tx.Conn.WriteToUDPAddrPort(raw, dest)
	return err
}

// Recv implements [Transport].
//
// The read deadline is re-armed on each call to now plus timeout, or to the
// context deadline when that comes first, and cleared before returning. A
// non-positive timeout only honors the context deadline. Expiring the context
// deadline yields [context.DeadlineExceeded] rather than [os.ErrDeadlineExceeded].
func (tx *UDPTransport) Recv(ctx context.Context, timeout time.Duration) (*Datagram, error) {
	// 1. Bail out early if the context is already done.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Arm the read deadline.
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ctxDeadline, ok := ctx.Deadline()
	ctxFirst := ok && (deadline.IsZero() || ctxDeadline.Before(deadline))
	if ctxFirst {
		deadline = ctxDeadline
	}
	_ = tx.Conn.SetReadDeadline(deadline)
	defer tx.Conn.SetReadDeadline(time.Time{})

	// 3. Read the datagram.
	buff := make([]byte, dnscodec.QueryMaxResponseSizeUDP)
	count, source, err := tx.Conn.ReadFromUDPAddrPort(buff)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if ctxFirst && errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	rawResp := buff[:count]
	if tx.ObserveRawResponse != nil {
		tx.ObserveRawResponse(bytes.Clone(rawResp))
	}

	// 4. Wrap the datagram.
	datagram := &Datagram{
		Raw:        rawResp,
		Source:     netip.AddrPortFrom(source.Addr().Unmap(), source.Port()),
		ReceivedAt: tx.TimeNow(),
	}
	return datagram, nil
}
