// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/rttguard/dnswire"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Default parameters of [*Responder].
const (
	// DefaultResponderTTL is the TTL of the answer record.
	DefaultResponderTTL = 3600

	// DefaultResponderFlags sets the QR and AA bits.
	DefaultResponderFlags = dnswire.FlagResponse | dnswire.FlagAuthoritative
)

// Responder simulates either the authoritative server or the attacker by
// answering every query with a single A record for a fixed address.
//
// Construct using [NewResponder] or [ListenResponder].
type Responder struct {
	// Conn is the socket on which we receive queries and send responses.
	//
	// Set by [NewResponder] to the user-provided value.
	Conn PacketConn

	// Answer is the address returned in the answer record. An IPv6
	// address produces an AAAA record and anything else an A record.
	//
	// Set by [NewResponder] to the user-provided value.
	Answer string

	// TTL is the TTL of the answer record.
	//
	// Set by [NewResponder] to [DefaultResponderTTL].
	TTL uint32

	// Flags are the response header flags.
	//
	// Set by [NewResponder] to [DefaultResponderFlags].
	Flags uint16

	// Delay optionally returns how long to wait before sending each response.
	Delay func() time.Duration

	// Drop optionally tells whether to silently drop a response.
	Drop func() bool

	// IdleTimeout, when positive, makes [*Responder.Serve] return after
	// no query arrived for this long.
	IdleTimeout time.Duration

	// Logger is the logger to use.
	//
	// Set by [NewResponder] to [NewDiscardLogger].
	Logger logrus.FieldLogger
}

// NewResponder creates a new [*Responder].
func NewResponder(conn PacketConn, answer string) *Responder {
	return &Responder{
		Conn:   conn,
		Answer: answer,
		TTL:    DefaultResponderTTL,
		Flags:  DefaultResponderFlags,
		Logger: NewDiscardLogger(),
	}
}

// ListenResponder creates a [*Responder] bound to the given local address.
func ListenResponder(ctx context.Context, lc *net.ListenConfig, address, answer string) (*Responder, error) {
	txp, err := ListenUDP(ctx, lc, address)
	if err != nil {
		return nil, err
	}
	return NewResponder(txp.Conn, answer), nil
}

// FixedDelay returns a Delay function always returning d.
func FixedDelay(d time.Duration) func() time.Duration {
	return func() time.Duration {
		return d
	}
}

// UniformDelay returns a Delay function returning base plus a uniformly
// distributed jitter in [0, jitter).
func UniformDelay(rng *rand.Rand, base, jitter time.Duration) func() time.Duration {
	var mu sync.Mutex
	return func() time.Duration {
		if jitter <= 0 {
			return base
		}
		mu.Lock()
		defer mu.Unlock()
		return base + time.Duration(rng.Int64N(int64(jitter)))
	}
}

// RandomDrop returns a Drop function dropping with the given probability.
func RandomDrop(rng *rand.Rand, probability float64) func() bool {
	var mu sync.Mutex
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64() < probability
	}
}

// errNoQuestion indicates a query without any question.
var errNoQuestion = errors.New("query without question")

// Respond builds the response to query, answering with the configured
// address regardless of the question type.
func (r *Responder) Respond(query *dnswire.Message) *dnswire.Message {
	q0, _ := query.Question0()
	answer := dnswire.NewARecord(q0.Name.Name, q0.Class, r.TTL, r.Answer)
	if addr, err := netip.ParseAddr(r.Answer); err == nil && addr.Is6() && !addr.Is4In6() {
		answer.Type = dns.TypeAAAA
		answer.RDLength = 16
		answer.Data = &dnswire.RdataAAAA{Addr: r.Answer}
	}
	return dnswire.NewResponse(query, r.Flags, []dnswire.ResourceRecord{answer}, nil, nil)
}

// Serve answers queries until ctx is done, the idle timeout expires,
// or the socket is closed.
//
// It returns ctx.Err() when the context is done and nil when the socket
// has been closed or the idle timeout expired. Responses still pending
// because of Delay when the context is done are dropped.
func (r *Responder) Serve(ctx context.Context) error {
	// 1. Make sure we react to the context being canceled.
	var (
		mu      sync.Mutex
		stopped bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		_ = r.Conn.SetReadDeadline(time.Now())
	})
	defer stop()

	// 2. Wait for the pending responses before returning.
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	// 3. Serve queries.
	buff := make([]byte, dnscodec.QueryMaxResponseSizeUDP)
	for {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return ctx.Err()
		}
		if r.IdleTimeout > 0 {
			_ = r.Conn.SetReadDeadline(time.Now().Add(r.IdleTimeout))
		}
		mu.Unlock()

		count, source, err := r.Conn.ReadFromUDPAddrPort(buff)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, net.ErrClosed):
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			r.Logger.WithField("idle", r.IdleTimeout.String()).Info("responder: idle timeout")
			return nil
		default:
			return err
		}

		rawResp, err := r.handle(buff[:count], source)
		if err != nil {
			r.Logger.WithError(err).WithField("source", source.String()).Warn("responder: ignoring datagram")
			continue
		}
		if r.Drop != nil && r.Drop() {
			r.Logger.WithField("source", source.String()).Debug("responder: dropped response")
			continue
		}
		var delay time.Duration
		if r.Delay != nil {
			delay = r.Delay()
		}
		if delay <= 0 {
			r.send(rawResp, source)
			continue
		}
		wg.Go(func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				r.send(rawResp, source)
			}
		})
	}
}

// handle decodes a query and encodes the response.
func (r *Responder) handle(rawQuery []byte, source netip.AddrPort) ([]byte, error) {
	query, err := dnswire.Decode(rawQuery)
	if err != nil {
		return nil, err
	}
	if _, ok := query.Question0(); !ok {
		return nil, errNoQuestion
	}
	r.Logger.WithFields(logrus.Fields{
		"source": source.String(),
		"id":     query.Header.ID,
		"name":   query.QueryName(),
		"qtype":  dns.TypeToString[query.QueryType()],
	}).Debug("responder: query")

	w := dnswire.NewWriter()
	w.Logger = r.Logger
	if err := r.Respond(query).EncodeTo(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (r *Responder) send(rawResp []byte, dest netip.AddrPort) {
	if _, err := r.Conn.WriteToUDPAddrPort(rawResp, dest); err != nil {
		r.Logger.WithError(err).WithField("dest", dest.String()).Warn("responder: send failed")
	}
}
