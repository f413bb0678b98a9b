// SPDX-License-Identifier: GPL-3.0-or-later

// Package rttguard contains a DNS resolver that defends against off-path
// response spoofing using round-trip-time statistics.
//
// The resolver sends each query, with the same transaction id, both to the
// trusted authoritative server and to another destination that may spoof
// responses. It then uses an adaptive model of the server RTT to decide which
// response, if any, to accept.
//
// The core high-level abstraction is the [*Arbitrator], which sends and receives
// datagrams through a [Transport] sharing a single socket. The arbitration goes
// through the [State] values until it reaches one of the [Outcome] values:
//
//  1. [OutcomeAccepted]: a response was accepted
//
//  2. [OutcomeLostPacket]: no response arrived after all the retries
//
//  3. [OutcomeNoValid]: responses arrived but none matched the query
//
//  4. [OutcomeAmbiguous]: two valid responses remained tied after the rescue rounds
//
// The [*RTTEstimator] tracks the server RTT using exponentially weighted moving
// averages and classifies responses as early or in-window. Use a [*Prober] to seed
// it using warm-up queries on a dedicated connection before arbitrating.
//
// The [*Resolver] is loosely compatible with [*net.Resolver] (including emitting
// errors using the same string suffixes) and maps outcomes to errors. The [*Dialer]
// uses it to connect to "host:port" addresses.
//
// For example, to arbitrate lookups racing a server against an attacker:
//
//	txp, err := rttguard.ListenUDP(ctx, &net.ListenConfig{}, "0.0.0.0:0")
//	ests := rttguard.NewEstimators()
//	est := ests.Get(server, dns.TypeA)
//	prober := rttguard.NewProber(&net.Dialer{}, server, "www.uwo.ca", dns.TypeA)
//	_, err = prober.Seed(ctx, est, rttguard.DefaultWarmupProbes)
//	arb := rttguard.NewArbitrator(txp, server, attacker, est)
//	addrs, err := rttguard.NewResolver(arb, ests).LookupA(ctx, "www.uwo0.ca")
//
// The [*Responder] simulates either the server or the attacker, and the [*Campaign]
// runs a whole measurement experiment producing a [*Report].
//
// The DNS wire format codec lives in the dnswire subpackage.
package rttguard
