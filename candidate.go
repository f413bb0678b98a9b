// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"net/netip"
	"time"

	"github.com/bassosimone/rttguard/dnswire"
	"github.com/sirupsen/logrus"
)

// Candidate is a response that may answer the outstanding query.
type Candidate struct {
	// Source is the address the response came from.
	Source netip.AddrPort

	// ID is the transaction id of the response.
	ID uint16

	// QueryName is the name of the first question of the response.
	QueryName string

	// Answers contains the answers matching the query name and the
	// query type of the outstanding query.
	Answers []string

	// InWindow counts the responses from Source that were not early.
	InWindow int

	// LastRTT is the RTT of the most recent response from Source.
	LastRTT time.Duration

	// Err is the decoding error, if any. A candidate that failed to
	// decode is never valid.
	Err error
}

// Valid tells whether the candidate matches the given transaction id
// and query name and carries at least one answer.
func (c *Candidate) Valid(id uint16, name string) bool {
	return c.Err == nil && c.ID == id && c.QueryName == name && len(c.Answers) >= 1
}

// Belongs tells whether a response from source for name is attributable
// to this candidate.
func (c *Candidate) Belongs(source netip.AddrPort, name string) bool {
	return c.Source == source && c.QueryName == name
}

// Observe records a response RTT and returns whether it is in-window.
func (c *Candidate) Observe(rtt time.Duration, est *RTTEstimator) bool {
	c.LastRTT = rtt
	if est.IsEarly(rtt) {
		return false
	}
	c.InWindow++
	return true
}

// Answer returns the first answer or the empty string.
func (c *Candidate) Answer() string {
	if len(c.Answers) < 1 {
		return ""
	}
	return c.Answers[0]
}

// Tracker turns the datagrams received for one query into [*Candidate].
//
// Construct using [NewTracker].
type Tracker struct {
	// ID is the transaction id of the outstanding query.
	//
	// Set by [NewTracker] to the user-provided value.
	ID uint16

	// Name is the name of the outstanding query.
	//
	// Set by [NewTracker] to the user-provided value.
	Name string

	// Qtype is the query type of the outstanding query.
	//
	// Set by [NewTracker] to the user-provided value.
	Qtype uint16

	// Estimator classifies RTTs as early or in-window.
	//
	// Set by [NewTracker] to the user-provided value.
	Estimator *RTTEstimator

	// Logger is the logger to use.
	//
	// Set by [NewTracker] to the user-provided value.
	Logger logrus.FieldLogger
}

// NewTracker creates a new [*Tracker].
func NewTracker(id uint16, name string, qtype uint16, est *RTTEstimator, logger logrus.FieldLogger) *Tracker {
	return &Tracker{
		ID:        id,
		Name:      name,
		Qtype:     qtype,
		Estimator: est,
		Logger:    logger,
	}
}

// Track decodes a datagram into a [*Candidate] whose in-window count
// starts at one unless rtt is early.
//
// Datagrams that fail to decode yield a candidate with Err set.
func (t *Tracker) Track(d *Datagram, rtt time.Duration) *Candidate {
	cand := &Candidate{Source: d.Source, LastRTT: rtt}
	logger := t.Logger.WithFields(logrus.Fields{
		"source": d.Source.String(),
		"rtt":    rtt.String(),
	})

	msg, err := dnswire.Decode(d.Raw)
	if err != nil {
		cand.Err = err
		logger.WithError(err).Debug("track: cannot decode datagram")
		return cand
	}

	cand.ID = msg.Header.ID
	cand.QueryName = msg.QueryName()
	// the response question type is attacker controlled
	cand.Answers = msg.RetrieveAnswers(cand.QueryName, t.Qtype)
	if !t.Estimator.IsEarly(rtt) {
		cand.InWindow = 1
	}
	logger.WithFields(logrus.Fields{
		"id":      cand.ID,
		"name":    cand.QueryName,
		"answers": cand.Answers,
		"valid":   cand.Valid(t.ID, t.Name),
	}).Debug("track: candidate")
	return cand
}

// Valid returns the candidates matching the outstanding query, in order.
func (t *Tracker) Valid(cands ...*Candidate) []*Candidate {
	out := make([]*Candidate, 0, len(cands))
	for _, cand := range cands {
		if cand.Valid(t.ID, t.Name) {
			out = append(out, cand)
		}
	}
	return out
}
