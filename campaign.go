// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Histogram keys that do not correspond to an accepted answer.
const (
	// SentinelFailure counts lost packets, invalid responses and transport errors.
	SentinelFailure = "255.255.255.255"

	// SentinelAmbiguous counts ties that the rescue rounds could not break.
	SentinelAmbiguous = "0.0.0.0"
)

// QueryNames derives n distinct query names from base by appending the
// query index to the second-to-last label, e.g., www.uwo.ca becomes
// www.uwo0.ca, www.uwo1.ca, and so on. A single-label base gets the
// index appended to its only label.
func QueryNames(base string, n int) ([]string, error) {
	ascii, err := NormalizeName(base)
	if err != nil {
		return nil, err
	}
	labels := strings.Split(ascii, ".")
	if ascii == "" || slices.Contains(labels, "") {
		return nil, fmt.Errorf("%w: cannot derive names from %q", ErrInvalidConfig, base)
	}
	target := max(len(labels)-2, 0)
	names := make([]string, 0, n)
	for idx := range n {
		derived := slices.Clone(labels)
		derived[target] += strconv.Itoa(idx)
		names = append(names, strings.Join(derived, "."))
	}
	return names, nil
}

// Histogram counts the answers accepted by a [*Campaign].
type Histogram map[string]int

// Add accounts for a [*Result].
func (h Histogram) Add(res *Result) {
	switch res.Outcome {
	case OutcomeAccepted:
		h[res.Answer]++
	case OutcomeAmbiguous:
		h[SentinelAmbiguous]++
	default:
		h[SentinelFailure]++
	}
}

// Keys returns the histogram keys in lexicographic order.
func (h Histogram) Keys() []string {
	return slices.Sorted(maps.Keys(h))
}

// Summary contains descriptive statistics of a set of durations.
type Summary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	Median time.Duration
}

// Summarize computes a [Summary] of the given samples.
func Summarize(samples []time.Duration) Summary {
	summary := Summary{Count: len(samples)}
	if len(samples) < 1 {
		return summary
	}
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		values = append(values, float64(sample))
	}
	slices.Sort(values)
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 || math.IsNaN(std) {
		std = 0
	}
	summary.Mean = time.Duration(mean)
	summary.StdDev = time.Duration(std)
	summary.Median = time.Duration(stat.Quantile(0.5, stat.Empirical, values, nil))
	return summary
}

// Report is the result of [*Campaign.Run].
type Report struct {
	// Histogram counts the accepted answers and the sentinels.
	Histogram Histogram

	// Outcomes counts the results by [Outcome].
	Outcomes map[Outcome]int

	// TransportErrors counts the queries that failed because of I/O errors.
	TransportErrors int

	// Warmup summarizes the warm-up RTT samples.
	Warmup Summary

	// Lookups summarizes the time spent arbitrating each query.
	Lookups Summary

	// EstimatedRTT is the final smoothed RTT of the server.
	EstimatedRTT time.Duration

	// DevRTT is the final RTT deviation of the server.
	DevRTT time.Duration

	// Results contains the per-query results, in order.
	Results []*Result
}

// Print writes a human readable summary of the report to w.
func (r *Report) Print(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "server estimated RTT: %s\n", r.EstimatedRTT)
	fmt.Fprintf(&b, "server RTT deviation: %s\n", r.DevRTT)
	fmt.Fprintf(&b, "warm-up samples: %d (mean %s, stddev %s)\n",
		r.Warmup.Count, r.Warmup.Mean, r.Warmup.StdDev)
	fmt.Fprintf(&b, "lookups: %d (mean %s, stddev %s, median %s)\n",
		r.Lookups.Count, r.Lookups.Mean, r.Lookups.StdDev, r.Lookups.Median)
	for _, outcome := range []Outcome{OutcomeAccepted, OutcomeLostPacket, OutcomeNoValid, OutcomeAmbiguous} {
		fmt.Fprintf(&b, "outcome %s: %d\n", outcome, r.Outcomes[outcome])
	}
	fmt.Fprintf(&b, "transport errors: %d\n", r.TransportErrors)
	b.WriteString("IP addresses considered valid:\n")
	for _, key := range r.Histogram.Keys() {
		fmt.Fprintf(&b, "  %s: %d\n", key, r.Histogram[key])
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Campaign seeds the server estimator and arbitrates a sequence of
// queries, like a measurement experiment would do.
//
// Construct using [NewCampaign].
type Campaign struct {
	// Config is the validated configuration.
	//
	// Set by [NewCampaign] to the user-provided value.
	Config *Config

	// Dialer is used by the warm-up [*Prober] and by [*Campaign.Connect].
	//
	// Set by [NewCampaign] to a zero [*net.Dialer].
	Dialer NetDialer

	// ListenConfig is used to create the shared socket when Transport is nil.
	//
	// Set by [NewCampaign] to a zero [*net.ListenConfig].
	ListenConfig *net.ListenConfig

	// Transport is an optional preconfigured [Transport].
	Transport Transport

	// Logger is the logger to use.
	//
	// Set by [NewCampaign] to [NewDiscardLogger].
	Logger logrus.FieldLogger

	// TimeNow returns the current time. It must use the same clock that
	// stamps the datagrams returned by the [Transport].
	//
	// Set by [NewCampaign] to [time.Now].
	TimeNow func() time.Time
}

// NewCampaign creates a new [*Campaign].
func NewCampaign(config *Config) *Campaign {
	return &Campaign{
		Config:       config,
		Dialer:       &net.Dialer{},
		ListenConfig: &net.ListenConfig{},
		Logger:       NewDiscardLogger(),
		TimeNow:      time.Now,
	}
}

// Run executes the campaign.
//
// Failures of single queries are accounted in the [*Report]. The error
// is non-nil only when the campaign could not start or ctx is done, in
// which case the partial report is returned as well.
func (c *Campaign) Run(ctx context.Context) (*Report, error) {
	// 1. parse the configuration
	server, attacker, qtype, err := c.endpoints()
	if err != nil {
		return nil, err
	}
	names, err := QueryNames(c.Config.BaseName, c.Config.Count)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Histogram: make(Histogram),
		Outcomes:  make(map[Outcome]int),
	}

	// 2. seed the server estimator and create the shared socket
	sess, err := c.start(ctx, server, attacker, qtype)
	if err != nil {
		return report, err
	}
	defer sess.close()
	report.Warmup = Summarize(sess.samples)

	// 3. arbitrate each query
	var latencies []time.Duration
	for _, name := range names {
		t0 := c.TimeNow()
		res, err := sess.reso.Lookup(ctx, name, qtype)
		latencies = append(latencies, c.TimeNow().Sub(t0))
		if err != nil {
			if ctx.Err() != nil {
				c.finish(report, sess.est, latencies)
				return report, err
			}
			c.Logger.WithError(err).WithField("name", name).Warn("campaign: lookup failed")
			report.TransportErrors++
			report.Histogram[SentinelFailure]++
			continue
		}
		report.Results = append(report.Results, res)
		report.Outcomes[res.Outcome]++
		report.Histogram.Add(res)
	}
	c.finish(report, sess.est, latencies)
	return report, nil
}

// Connect seeds the server estimator and connects to address, a "host:port"
// string whose host is resolved using arbitrated A and AAAA lookups.
//
// The shared socket is closed before returning, while the connection, if
// any, is owned by the caller.
func (c *Campaign) Connect(ctx context.Context, network, address string) (net.Conn, error) {
	server, attacker, qtype, err := c.endpoints()
	if err != nil {
		return nil, err
	}
	sess, err := c.start(ctx, server, attacker, qtype)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	dialer := NewDialer(c.Dialer, sess.reso)
	dialer.Logger = c.Logger
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		c.Logger.WithError(err).WithField("address", address).Warn("campaign: connect failed")
		return nil, err
	}
	c.Logger.WithFields(logrus.Fields{
		"address": address,
		"remote":  conn.RemoteAddr().String(),
	}).Info("campaign: connected")
	return conn, nil
}

// endpoints parses the server, the attacker, and the query type.
func (c *Campaign) endpoints() (netip.AddrPort, netip.AddrPort, uint16, error) {
	server, err := c.Config.ServerAddrPort()
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, 0, err
	}
	attacker, err := c.Config.AttackerAddrPort()
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, 0, err
	}
	qtype, err := c.Config.Qtype()
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, 0, err
	}
	return server, attacker, qtype, nil
}

// session is what [*Campaign.Run] and [*Campaign.Connect] share.
type session struct {
	reso    *Resolver
	est     *RTTEstimator
	samples []time.Duration
	close   func() error
}

// start seeds the server estimator and creates the shared socket along
// with the [*Resolver] arbitrating over it.
func (c *Campaign) start(ctx context.Context, server, attacker netip.AddrPort, qtype uint16) (*session, error) {
	probeName, err := NormalizeName(c.Config.BaseName)
	if err != nil {
		return nil, err
	}

	// 1. seed the server estimator
	ests := NewEstimators()
	est := ests.Get(server, qtype)
	prober := NewProber(c.Dialer, server, probeName, qtype)
	prober.Timeout = c.Config.ProbeTimeout
	prober.TimeNow = c.TimeNow
	prober.Logger = c.Logger
	samples, err := prober.Seed(ctx, est, c.Config.WarmupProbes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		c.Logger.WithError(err).Warn("campaign: continuing with an unseeded estimator")
	}

	// 2. create the shared socket
	txp, closer := c.Transport, func() error { return nil }
	if txp == nil {
		udp, err := ListenUDP(ctx, c.ListenConfig, c.Config.Listen)
		if err != nil {
			return nil, err
		}
		txp, closer = udp, udp.Close
	}

	// 3. create the resolver
	arb := NewArbitrator(txp, server, attacker, est)
	arb.Logger = c.Logger
	arb.TimeNow = c.TimeNow
	arb.MaxRetries = c.Config.MaxRetries
	arb.RescueRounds = c.Config.RescueRounds
	arb.DrainBudget = c.Config.DrainBudget
	arb.FallbackTimeout = c.Config.FallbackTimeout
	reso := NewResolver(arb, ests)
	reso.Timeout = c.Config.LookupTimeout
	return &session{reso: reso, est: est, samples: samples, close: closer}, nil
}

func (c *Campaign) finish(report *Report, est *RTTEstimator, latencies []time.Duration) {
	report.Lookups = Summarize(latencies)
	report.EstimatedRTT = est.EstimatedRTT()
	report.DevRTT = est.DevRTT()
	c.Logger.WithFields(logrus.Fields{
		"lookups":   report.Lookups.Count,
		"mean":      report.Lookups.Mean.String(),
		"estimated": report.EstimatedRTT.String(),
		"dev":       report.DevRTT.String(),
	}).Info("campaign: done")
}
