// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// DefaultResolverTimeout is the default lookup timeout used by [*Resolver].
//
// It exceeds [DefaultMaxRetries] times [DefaultFallbackTimeout], so that an
// unseeded lookup can exhaust its retries and report a lost packet.
const DefaultResolverTimeout = 30 * time.Second

// Resolver behaves like [*net.Resolver] but arbitrates every lookup
// using an [*Arbitrator].
//
// Lookups are serialized because they share the arbitrator socket.
//
// Construct using [NewResolver].
type Resolver struct {
	// Arbitrator is the template arbitrator. Each lookup uses a copy whose
	// estimator is taken from Estimators using the query type.
	//
	// Set by [NewResolver] to the user-provided value.
	Arbitrator *Arbitrator

	// Estimators contains the per-query-type server estimators.
	//
	// Set by [NewResolver] to the user-provided value.
	Estimators *Estimators

	// Timeout is the overall lookup timeout.
	//
	// Set by [NewResolver] to [DefaultResolverTimeout].
	Timeout time.Duration

	mu sync.Mutex
}

// NewResolver creates a new [*Resolver] instance.
func NewResolver(arb *Arbitrator, ests *Estimators) *Resolver {
	return &Resolver{
		Arbitrator: arb,
		Estimators: ests,
		Timeout:    DefaultResolverTimeout,
	}
}

// LookupHost resolves a domain to IPv4 and IPv6 addrs.
func (r *Resolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	addrsA, errA := r.LookupA(ctx, domain)
	addrsAAAA, errAAAA := r.LookupAAAA(ctx, domain)

	// merge errors if both failed
	if errA != nil && errAAAA != nil {
		return nil, errors.Join(errA, errAAAA)
	}

	// join addresses and deal with no data
	addrs := append(addrsA, addrsAAAA...)
	if len(addrs) < 1 {
		return nil, dnscodec.ErrNoData
	}
	return addrs, nil
}

// LookupA resolves a domain to IPv4 addrs.
func (r *Resolver) LookupA(ctx context.Context, domain string) ([]string, error) {
	return r.lookup(ctx, domain, dns.TypeA)
}

// LookupAAAA resolves a domain to IPv6 addrs.
func (r *Resolver) LookupAAAA(ctx context.Context, domain string) ([]string, error) {
	return r.lookup(ctx, domain, dns.TypeAAAA)
}

// Lookup runs a single arbitration and returns the full [*Result], which
// is non-nil also when the outcome is not [OutcomeAccepted].
func (r *Resolver) Lookup(ctx context.Context, domain string, qtype uint16) (*Result, error) {
	name, err := NormalizeName(domain)
	if err != nil {
		return nil, err
	}

	// Honour the configured lookup timeout
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	arb := *r.Arbitrator
	arb.Estimator = r.Estimators.Get(arb.Server, qtype)
	return arb.Resolve(ctx, name, qtype)
}

// lookup is the function performing the actual lookup.
func (r *Resolver) lookup(ctx context.Context, domain string, qtype uint16) ([]string, error) {
	res, err := r.Lookup(ctx, domain, qtype)
	if err != nil {
		return nil, err
	}
	if err := res.Outcome.Err(); err != nil {
		return nil, err
	}
	return res.Answers, nil
}

// NormalizeName converts domain to its ASCII form without the trailing dot,
// which is how names appear once decoded from the wire.
func NormalizeName(domain string) (string, error) {
	punyName, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return "", err
	}
	return punyName, nil
}
