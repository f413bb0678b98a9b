// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"time"

	"github.com/bassosimone/rttguard/dnswire"
	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Default parameters of [*Arbitrator].
const (
	// DefaultMaxRetries is the number of times the query is sent while
	// waiting for the first response.
	DefaultMaxRetries = 10

	// DefaultRescueRounds is the number of rounds counted when
	// two valid responses compete.
	DefaultRescueRounds = 5

	// DefaultDrainBudget is the maximum number of reads performed while
	// discarding late datagrams.
	DefaultDrainBudget = 10

	// DefaultFallbackTimeout is the first-response timeout used while
	// the estimator is unseeded.
	DefaultFallbackTimeout = time.Second

	// DefaultMinTimeout is the minimum first-response and drain timeout.
	DefaultMinTimeout = 10 * time.Millisecond
)

// State is a step of the arbitration of a query.
type State int

const (
	// StateSent means the query was sent to every destination.
	StateSent State = iota

	// StateAwaitingFirst means we are waiting for the first response.
	StateAwaitingFirst

	// StateOnlyOneValid means a single response matches the query.
	StateOnlyOneValid

	// StateTwoValid means two responses from distinct sources match the query.
	StateTwoValid

	// StateNoneValid means no response matches the query.
	StateNoneValid

	// StateLostPacket means no response arrived after all the retries.
	StateLostPacket

	// StateRescuing means we are re-issuing the query to break a tie.
	StateRescuing

	// StateResolved means the rescue rounds are over.
	StateResolved
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateAwaitingFirst:
		return "awaiting-first"
	case StateOnlyOneValid:
		return "only-one-valid"
	case StateTwoValid:
		return "two-valid"
	case StateNoneValid:
		return "none-valid"
	case StateLostPacket:
		return "lost-packet"
	case StateRescuing:
		return "rescuing"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of [*Arbitrator.Resolve].
type Outcome int

const (
	// OutcomeAccepted means an answer was accepted.
	OutcomeAccepted Outcome = iota

	// OutcomeLostPacket means no response arrived.
	OutcomeLostPacket

	// OutcomeNoValid means no response was valid.
	OutcomeNoValid

	// OutcomeAmbiguous means two valid responses remained tied.
	OutcomeAmbiguous
)

// String implements [fmt.Stringer].
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeLostPacket:
		return "lost-packet"
	case OutcomeNoValid:
		return "no-valid"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Err returns nil for [OutcomeAccepted] and the matching sentinel otherwise.
func (o Outcome) Err() error {
	switch o {
	case OutcomeAccepted:
		return nil
	case OutcomeLostPacket:
		return ErrLostPacket
	case OutcomeNoValid:
		return ErrNoValidResponse
	default:
		return ErrAmbiguous
	}
}

// Result is the result of [*Arbitrator.Resolve].
type Result struct {
	// Outcome is the terminal outcome.
	Outcome Outcome

	// Name is the query name.
	Name string

	// Type is the query type.
	Type uint16

	// ID is the transaction id of the initial query.
	ID uint16

	// Answer is the accepted answer, set only for [OutcomeAccepted].
	Answer string

	// Answers contains all the answers of the accepted response.
	Answers []string

	// Source is the source of the accepted response.
	Source netip.AddrPort

	// RTT is the most recent RTT of the accepted response.
	RTT time.Duration

	// Attempts is the number of times the initial query was sent.
	Attempts int

	// RescueRounds is the number of rescue rounds that received a response.
	RescueRounds int

	// Drained is the number of late datagrams discarded.
	Drained int

	// Candidates contains the competing candidates after a rescue.
	Candidates []*Candidate

	// Trace contains the visited states in order.
	Trace []State
}

// accept records cand as the accepted response.
func (r *Result) accept(cand *Candidate) {
	r.Answer = cand.Answer()
	r.Answers = cand.Answers
	r.Source = cand.Source
	r.RTT = cand.LastRTT
}

// Arbitrator races the trusted server against a possible spoofer and
// decides which response to accept using the server RTT estimate.
//
// All the sends and receives of a query happen in sequence on a single
// [Transport]. An [*Arbitrator] must not be used concurrently.
//
// Construct using [NewArbitrator].
type Arbitrator struct {
	// Server is the trusted authoritative server.
	//
	// Set by [NewArbitrator] to the user-provided value.
	Server netip.AddrPort

	// Attacker is the other destination. When invalid, the query is
	// only sent to Server.
	//
	// Set by [NewArbitrator] to the user-provided value.
	Attacker netip.AddrPort

	// Transport sends and receives datagrams.
	//
	// Set by [NewArbitrator] to the user-provided value.
	Transport Transport

	// Estimator is the RTT estimator of Server.
	//
	// Set by [NewArbitrator] to the user-provided value.
	Estimator *RTTEstimator

	// Logger is the logger to use.
	//
	// Set by [NewArbitrator] to [NewDiscardLogger].
	Logger logrus.FieldLogger

	// TimeNow returns the time used to compute RTTs. It must use the same
	// clock that stamps [*Datagram.ReceivedAt].
	//
	// Set by [NewArbitrator] to [time.Now].
	TimeNow func() time.Time

	// NewID returns a fresh transaction id.
	//
	// Set by [NewArbitrator] to [dns.Id].
	NewID func() uint16

	// MaxRetries bounds the sends while waiting for the first response.
	//
	// Set by [NewArbitrator] to [DefaultMaxRetries].
	MaxRetries int

	// RescueRounds is the number of rescue rounds.
	//
	// Set by [NewArbitrator] to [DefaultRescueRounds].
	RescueRounds int

	// DrainBudget bounds the reads performed when draining.
	//
	// Set by [NewArbitrator] to [DefaultDrainBudget].
	DrainBudget int

	// FallbackTimeout is the first-response timeout used while Estimator
	// is unseeded.
	//
	// Set by [NewArbitrator] to [DefaultFallbackTimeout].
	FallbackTimeout time.Duration

	// MinTimeout is the minimum first-response and drain timeout.
	//
	// Set by [NewArbitrator] to [DefaultMinTimeout].
	MinTimeout time.Duration
}

// NewArbitrator creates a new [*Arbitrator].
func NewArbitrator(txp Transport, server, attacker netip.AddrPort, est *RTTEstimator) *Arbitrator {
	return &Arbitrator{
		Server:          server,
		Attacker:        attacker,
		Transport:       txp,
		Estimator:       est,
		Logger:          NewDiscardLogger(),
		TimeNow:         time.Now,
		NewID:           dns.Id,
		MaxRetries:      DefaultMaxRetries,
		RescueRounds:    DefaultRescueRounds,
		DrainBudget:     DefaultDrainBudget,
		FallbackTimeout: DefaultFallbackTimeout,
		MinTimeout:      DefaultMinTimeout,
	}
}

// Resolve arbitrates a single query.
//
// Every terminal state produces a [*Result] with a nil error. The error is
// non-nil only when the query cannot be encoded, the transport fails, the
// context is canceled, or Server is not configured. A context deadline ends
// the waits like a read timeout does, so that a lookup running out of time
// still reaches a terminal state.
func (a *Arbitrator) Resolve(ctx context.Context, name string, qtype uint16) (*Result, error) {
	if !a.Server.IsValid() {
		return nil, ErrNoDestination
	}
	res := &Result{Name: name, Type: qtype, ID: a.NewID()}
	logger := a.Logger.WithFields(logrus.Fields{
		"name":  name,
		"qtype": dns.TypeToString[qtype],
		"id":    res.ID,
	})

	// 1. send the query until the first response arrives
	raw, err := dnswire.NewQuery(name, res.ID, qtype).Encode()
	if err != nil {
		return nil, err
	}
	sendTime, first, err := a.awaitFirst(ctx, logger, res, raw)
	if err != nil {
		return nil, err
	}
	if first == nil {
		a.enter(logger, res, StateLostPacket)
		return a.finish(logger, res, OutcomeLostPacket), nil
	}
	tracker := NewTracker(res.ID, name, qtype, a.Estimator, logger)
	rtt1 := first.ReceivedAt.Sub(sendTime)
	cand1 := tracker.Track(first, rtt1)

	// 2. wait for a possible second response
	second, err := a.Transport.Recv(ctx, a.Estimator.FullWindowWait(rtt1))
	if expired(err) {
		res.Drained += a.drain(ctx, logger)
		if !cand1.Valid(res.ID, name) {
			a.enter(logger, res, StateNoneValid)
			return a.finish(logger, res, OutcomeNoValid), nil
		}
		a.enter(logger, res, StateOnlyOneValid)
		res.accept(cand1)
		return a.finish(logger, res, OutcomeAccepted), nil
	}
	if err != nil {
		return nil, err
	}
	cand2 := tracker.Track(second, second.ReceivedAt.Sub(sendTime))

	// replies to the earlier attempts may still be in flight
	if res.Attempts > 1 {
		res.Drained += a.drain(ctx, logger)
	}

	// 3. validate both responses
	valid := tracker.Valid(cand1, cand2)
	if len(valid) == 2 && valid[0].Source == valid[1].Source {
		valid = valid[:1] // a duplicate does not compete with itself
	}
	switch len(valid) {
	case 0:
		a.enter(logger, res, StateNoneValid)
		return a.finish(logger, res, OutcomeNoValid), nil
	case 1:
		a.enter(logger, res, StateOnlyOneValid)
		a.Estimator.Update(valid[0].LastRTT)
		res.accept(valid[0])
		return a.finish(logger, res, OutcomeAccepted), nil
	}
	runtimex.Assert(len(valid) == 2)
	a.enter(logger, res, StateTwoValid)

	// 4. re-issue the query to see which source keeps answering in-window
	a.enter(logger, res, StateRescuing)
	if err := a.rescue(ctx, logger, res, name, qtype, valid); err != nil {
		return nil, err
	}
	res.Candidates = valid
	a.enter(logger, res, StateResolved)

	// 5. accept the candidate with strictly more in-window responses
	var winner *Candidate
	switch {
	case valid[0].InWindow > valid[1].InWindow:
		winner = valid[0]
	case valid[1].InWindow > valid[0].InWindow:
		winner = valid[1]
	default:
		return a.finish(logger, res, OutcomeAmbiguous), nil
	}
	a.Estimator.Update(winner.LastRTT)
	res.accept(winner)
	return a.finish(logger, res, OutcomeAccepted), nil
}

// awaitFirst sends raw until a datagram arrives or the retries are exhausted,
// in which case it returns a nil datagram and a nil error. Reaching the
// context deadline also exhausts the retries.
func (a *Arbitrator) awaitFirst(ctx context.Context,
	logger logrus.FieldLogger, res *Result, raw []byte) (time.Time, *Datagram, error) {
	for attempt := 1; attempt <= a.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if expired(err) {
				logger.WithField("attempt", attempt).Warn("arbitrator: lookup deadline expired")
				break
			}
			return time.Time{}, nil, err
		}
		sendTime, err := a.send(ctx, raw)
		if expired(err) {
			logger.WithField("attempt", attempt).Warn("arbitrator: lookup deadline expired")
			break
		}
		if err != nil {
			return time.Time{}, nil, err
		}
		res.Attempts = attempt
		a.enter(logger, res, StateSent)

		a.enter(logger, res, StateAwaitingFirst)
		first, err := a.Transport.Recv(ctx, a.firstTimeout())
		if err == nil {
			return sendTime, first, nil
		}
		if !expired(err) {
			return time.Time{}, nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logger.WithField("attempt", attempt).Warn("arbitrator: lookup deadline expired")
			break
		}
		logger.WithField("attempt", attempt).Debug("arbitrator: no response yet")
	}
	return time.Time{}, nil, nil
}

// rescue runs the rescue rounds updating the in-window counters of cands.
func (a *Arbitrator) rescue(ctx context.Context, logger logrus.FieldLogger,
	res *Result, name string, qtype uint16, cands []*Candidate) error {
	// Rounds without any response do not count, so we also bound the
	// number of attempts to guarantee termination.
	maxAttempts := a.RescueRounds + a.MaxRetries
	for attempt := 0; res.RescueRounds < a.RescueRounds && attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if expired(err) {
				break
			}
			return err
		}

		// 1. send a fresh query for the same name
		id := a.NewID()
		raw, err := dnswire.NewQuery(name, id, qtype).Encode()
		if err != nil {
			return err
		}
		sendTime, err := a.send(ctx, raw)
		if expired(err) {
			break
		}
		if err != nil {
			return err
		}

		// 2. wait for the first response of the round
		first, err := a.Transport.Recv(ctx, a.firstTimeout())
		if expired(err) {
			res.Drained += a.drain(ctx, logger)
			continue
		}
		if err != nil {
			return err
		}
		res.RescueRounds++
		tracker := NewTracker(id, name, qtype, a.Estimator, logger.WithField("round", res.RescueRounds))
		rtt1 := first.ReceivedAt.Sub(sendTime)

		// 3. wait for the second response of the round
		second, err := a.Transport.Recv(ctx, a.Estimator.FullWindowWait(rtt1))
		switch {
		case err == nil:
			a.observe(tracker, cands, first, rtt1)
			a.observe(tracker, cands, second, second.ReceivedAt.Sub(sendTime))
		case expired(err):
			res.Drained += a.drain(ctx, logger)
			a.observe(tracker, cands, first, rtt1)
		default:
			return err
		}
	}
	if res.RescueRounds < a.RescueRounds {
		logger.WithField("rounds", res.RescueRounds).Warn("arbitrator: rescue ended early")
	}
	return nil
}

// observe credits a rescue response to the candidate it belongs to.
func (a *Arbitrator) observe(tracker *Tracker, cands []*Candidate, d *Datagram, rtt time.Duration) {
	resp := tracker.Track(d, rtt)
	if resp.Err != nil || resp.ID != tracker.ID || resp.QueryName != tracker.Name {
		return
	}
	for _, cand := range cands {
		if cand.Belongs(d.Source, tracker.Name) {
			inWindow := cand.Observe(rtt, a.Estimator)
			tracker.Logger.WithFields(logrus.Fields{
				"source":    d.Source.String(),
				"rtt":       rtt.String(),
				"in_window": inWindow,
				"count":     cand.InWindow,
			}).Debug("arbitrator: rescue response")
		}
	}
}

// send sends raw to the attacker, if configured, and then to the server,
// returning the time at which the RTT measurement starts.
func (a *Arbitrator) send(ctx context.Context, raw []byte) (time.Time, error) {
	if a.Attacker.IsValid() {
		if err := a.Transport.Send(ctx, raw, a.Attacker); err != nil {
			return time.Time{}, err
		}
	}
	sendTime := a.TimeNow()
	if err := a.Transport.Send(ctx, raw, a.Server); err != nil {
		return time.Time{}, err
	}
	return sendTime, nil
}

// drain discards late datagrams until a read times out or the budget is
// exhausted, and returns the number of discarded datagrams.
func (a *Arbitrator) drain(ctx context.Context, logger logrus.FieldLogger) int {
	var drained int
	for range a.DrainBudget {
		d, err := a.Transport.Recv(ctx, a.drainTimeout())
		switch {
		case err == nil:
			drained++
			logger.WithField("source", d.Source.String()).Debug("arbitrator: discarded late datagram")
		case expired(err):
			return drained
		case ctx.Err() != nil:
			return drained
		default:
			logger.WithError(err).Debug("arbitrator: drain read failed")
		}
	}
	logger.WithField("budget", a.DrainBudget).Warn("arbitrator: drain budget exhausted")
	return drained
}

// expired tells whether a read ended without a datagram because either
// the read timeout or the context deadline expired.
func expired(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

func (a *Arbitrator) firstTimeout() time.Duration {
	if !a.Estimator.Seeded() {
		return a.FallbackTimeout
	}
	return max(2*a.Estimator.EstimatedRTT(), a.MinTimeout)
}

func (a *Arbitrator) drainTimeout() time.Duration {
	if !a.Estimator.Seeded() {
		return a.FallbackTimeout
	}
	return max(4*a.Estimator.EstimatedRTT(), a.MinTimeout)
}

// enter records a state transition.
func (a *Arbitrator) enter(logger logrus.FieldLogger, res *Result, state State) {
	res.Trace = append(res.Trace, state)
	logger.WithField("state", state.String()).Debug("arbitrator: state")
}

// finish records the terminal outcome.
func (a *Arbitrator) finish(logger logrus.FieldLogger, res *Result, outcome Outcome) *Result {
	res.Outcome = outcome
	logger.WithFields(logrus.Fields{
		"outcome":  outcome.String(),
		"answer":   res.Answer,
		"attempts": res.Attempts,
		"rounds":   res.RescueRounds,
	}).Info("arbitrator: done")
	return res
}
