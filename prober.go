//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/dns/dnscore/doudp.go
// Adapted from: https://github.com/ooni/probe-engine/blob/v0.23.0/netx/resolver/dnsoverudp.go
//

package rttguard

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Default parameters of [*Prober].
const (
	// DefaultWarmupProbes is the number of successful probes used to seed an estimator.
	DefaultWarmupProbes = 20

	// DefaultProbeTimeout is the timeout of a single probe.
	DefaultProbeTimeout = 300 * time.Millisecond
)

// NetDialer abstracts over [*net.Dialer].
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober measures the RTT towards the trusted server using DNS over UDP
// on a dedicated connection, so that warm-up traffic never reaches the
// socket shared by the [*Arbitrator].
//
// Construct using [NewProber].
type Prober struct {
	// Dialer is the [NetDialer] to use to create connections.
	//
	// Set by [NewProber] to the user-provided value.
	Dialer NetDialer

	// Endpoint is the server endpoint to probe.
	//
	// Set by [NewProber] to the user-provided value.
	Endpoint netip.AddrPort

	// Name is the query name used by probes.
	//
	// Set by [NewProber] to the user-provided value.
	Name string

	// Qtype is the query type used by probes.
	//
	// Set by [NewProber] to the user-provided value.
	Qtype uint16

	// Timeout is the timeout of each probe. Zero means that we only
	// honor the context deadline.
	//
	// Set by [NewProber] to [DefaultProbeTimeout].
	Timeout time.Duration

	// TimeNow returns the time used to measure RTTs.
	//
	// Set by [NewProber] to [time.Now].
	TimeNow func() time.Time

	// Logger is the logger to use.
	//
	// Set by [NewProber] to [NewDiscardLogger].
	Logger logrus.FieldLogger

	// ObserveRawQuery is an optional hook called with a copy of the raw DNS query.
	ObserveRawQuery func([]byte)

	// ObserveRawResponse is an optional hook called with a copy of the raw DNS response.
	ObserveRawResponse func([]byte)
}

// NewProber creates a new [*Prober].
func NewProber(dialer NetDialer, endpoint netip.AddrPort, name string, qtype uint16) *Prober {
	return &Prober{
		Dialer:   dialer,
		Endpoint: endpoint,
		Name:     name,
		Qtype:    qtype,
		Timeout:  DefaultProbeTimeout,
		TimeNow:  time.Now,
		Logger:   NewDiscardLogger(),
	}
}

// Dial creates a [net.Conn] with the configured endpoint.
//
// This method enables reusing a connection across multiple probes
// via [*Prober.ProbeWithConn].
func (p *Prober) Dial(ctx context.Context) (net.Conn, error) {
	return p.Dialer.DialContext(ctx, "udp", p.Endpoint.String())
}

// Probe sends a single probe over a new connection and returns the RTT.
func (p *Prober) Probe(ctx context.Context) (time.Duration, error) {
	// 1. create the connection
	conn, err := p.Dial(ctx)
	if err != nil {
		return 0, err
	}

	// 2. Make sure we react to context being canceled early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer conn.Close()
		<-ctx.Done()
	}()

	// 3. defer to ProbeWithConn.
	return p.ProbeWithConn(ctx, conn)
}

// ProbeWithConn sends a single probe using conn and returns the RTT
// once a response valid for the probe query arrives.
func (p *Prober) ProbeWithConn(ctx context.Context, conn net.Conn) (time.Duration, error) {
	// 1. Bound the probe lifetime.
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	// 2. Send the query and wait for the response.
	query := dnscodec.NewQuery(p.Name, p.Qtype)
	t0 := p.TimeNow()
	queryMsg, err := p.SendQuery(ctx, conn, query)
	if err != nil {
		return 0, err
	}
	if _, err := p.RecvResponse(ctx, conn, queryMsg); err != nil {
		return 0, err
	}
	return p.TimeNow().Sub(t0), nil
}

// SendQuery sends a [*dnscodec.Query] using a [net.Conn].
//
// We only honor deadlines from the context; canceling the context without a
// deadline does not interrupt I/O.
func (p *Prober) SendQuery(ctx context.Context, conn net.Conn, query *dnscodec.Query) (*dns.Msg, error) {
	// 1. Use the context deadline to limit the lifetime.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	// 2. Mutate and serialize the query.
	query = query.Clone()
	query.MaxSize = dnscodec.QueryMaxResponseSizeUDP
	queryMsg, err := query.NewMsg()
	if err != nil {
		return nil, err
	}
	rawQuery, err := queryMsg.Pack()
	if err != nil {
		return nil, err
	}
	if p.ObserveRawQuery != nil {
		p.ObserveRawQuery(bytes.Clone(rawQuery))
	}

	// 3. Send the query.
	if _, err := conn.Write(rawQuery); err != nil {
		return nil, err
	}
	return queryMsg, nil
}

// RecvResponse receives a [*dnscodec.Response] using a [net.Conn].
//
// We only honor deadlines from the context; canceling the context without a
// deadline does not interrupt I/O.
func (p *Prober) RecvResponse(
	ctx context.Context, conn net.Conn, queryMsg *dns.Msg) (*dnscodec.Response, error) {
	// 1. Use the context deadline to limit the lifetime.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	// 2. Read the response message.
	buff := make([]byte, dnscodec.QueryMaxResponseSizeUDP)
	count, err := conn.Read(buff)
	if err != nil {
		return nil, err
	}
	rawResp := buff[:count]
	if p.ObserveRawResponse != nil {
		p.ObserveRawResponse(bytes.Clone(rawResp))
	}

	// 3. Parse and validate the response.
	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(rawResp); err != nil {
		return nil, err
	}
	return dnscodec.ParseResponse(queryMsg, respMsg)
}

// Seed probes the server over a single connection until count probes
// succeeded or count probes failed, folding every RTT into est.
//
// It returns the RTT samples and fails only when no probe succeeded.
func (p *Prober) Seed(ctx context.Context, est *RTTEstimator, count int) ([]time.Duration, error) {
	// 1. create the connection
	conn, err := p.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// 2. probe until we have enough successes or enough failures
	var (
		samples  []time.Duration
		failures int
	)
	for len(samples) < count && failures < count {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		rtt, err := p.ProbeWithConn(ctx, conn)
		if err != nil {
			failures++
			p.Logger.WithError(err).WithField("failures", failures).Debug("prober: probe failed")
			continue
		}
		est.Update(rtt)
		samples = append(samples, rtt)
	}

	// 3. report the estimate
	logger := p.Logger.WithFields(logrus.Fields{
		"endpoint":  p.Endpoint.String(),
		"samples":   len(samples),
		"failures":  failures,
		"estimated": est.EstimatedRTT().String(),
		"dev":       est.DevRTT().String(),
	})
	if len(samples) < 1 {
		return nil, fmt.Errorf("%w: every warm-up probe failed", ErrLostPacket)
	}
	if len(samples) < count {
		logger.Warn("prober: insufficient sample count")
	} else {
		logger.Info("prober: seeded")
	}
	return samples, nil
}
