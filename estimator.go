// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"math"
	"net/netip"
	"sync"
	"time"
)

// Default parameters of [*RTTEstimator].
const (
	// DefaultAlpha is the gain of the smoothed RTT.
	DefaultAlpha = 0.125

	// DefaultBeta is the gain of the RTT deviation.
	DefaultBeta = 0.25

	// DefaultWindowFactor is the number of deviations below the smoothed
	// RTT at which the acceptance window starts.
	DefaultWindowFactor = 2
)

// RTTEstimator tracks the smoothed RTT and the RTT deviation of a
// destination using exponentially weighted moving averages.
//
// The smoothed RTT is kept in whole milliseconds and the deviation in
// fractional milliseconds. The zero value is not ready to use.
//
// Construct using [NewRTTEstimator].
type RTTEstimator struct {
	// Alpha is the gain of the smoothed RTT.
	//
	// Set by [NewRTTEstimator] to [DefaultAlpha].
	Alpha float64

	// Beta is the gain of the RTT deviation.
	//
	// Set by [NewRTTEstimator] to [DefaultBeta].
	Beta float64

	// WindowFactor is the number of deviations defining the window start.
	//
	// Set by [NewRTTEstimator] to [DefaultWindowFactor].
	WindowFactor float64

	seeded    bool
	estimated int64
	dev       float64
}

// NewRTTEstimator creates a new unseeded [*RTTEstimator].
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{
		Alpha:        DefaultAlpha,
		Beta:         DefaultBeta,
		WindowFactor: DefaultWindowFactor,
	}
}

// Seeded tells whether the estimator has received at least one sample.
func (e *RTTEstimator) Seeded() bool {
	return e.seeded
}

// Seed forcibly sets the estimator state.
func (e *RTTEstimator) Seed(estimated, deviation time.Duration) {
	e.seeded = true
	e.estimated = estimated.Milliseconds()
	e.dev = max(durationToMillis(deviation), 0)
}

// Update folds an RTT sample into the estimate.
//
// The first sample seeds the estimator with a zero deviation.
func (e *RTTEstimator) Update(rtt time.Duration) {
	sample := rtt.Milliseconds()
	if !e.seeded {
		e.Seed(rtt, 0)
		return
	}
	e.estimated = int64((1-e.Alpha)*float64(e.estimated) + e.Alpha*float64(sample))
	diff := math.Abs(float64(sample - e.estimated))
	e.dev = (1-e.Beta)*e.dev + e.Beta*diff
}

// EstimatedRTT returns the smoothed RTT.
func (e *RTTEstimator) EstimatedRTT() time.Duration {
	return time.Duration(e.estimated) * time.Millisecond
}

// DevRTT returns the RTT deviation.
func (e *RTTEstimator) DevRTT() time.Duration {
	return millisToDuration(e.dev)
}

// WindowStart returns the earliest RTT, in milliseconds, that is not
// considered anomalously early.
func (e *RTTEstimator) WindowStart() float64 {
	return float64(e.estimated) - e.WindowFactor*e.dev
}

// IsEarly tells whether rtt arrived before the window start.
//
// An unseeded estimator never classifies a sample as early.
func (e *RTTEstimator) IsEarly(rtt time.Duration) bool {
	if !e.seeded {
		return false
	}
	return float64(rtt.Milliseconds()) < e.WindowStart()
}

// FullWindowWait returns how long to wait for a second response after the
// first one arrived with the given RTT. The result is at least one millisecond.
func (e *RTTEstimator) FullWindowWait(first time.Duration) time.Duration {
	if !e.seeded {
		return max(first, time.Millisecond)
	}
	sample := float64(first.Milliseconds())
	distance := math.Abs(sample - float64(e.estimated))

	// a zero deviation would collapse the window onto the estimate
	dev := e.dev
	if dev == 0 {
		dev = e.Beta * distance
	}

	wait := e.WindowFactor * dev
	if sample < float64(e.estimated)-e.WindowFactor*dev {
		wait += distance
	}
	return max(millisToDuration(wait), time.Millisecond)
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// estimatorKey identifies an [*RTTEstimator] inside [*Estimators].
type estimatorKey struct {
	dest  netip.AddrPort
	qtype uint16
}

// Estimators is a registry of [*RTTEstimator] keyed by destination
// and query type. It is safe for concurrent use.
//
// Construct using [NewEstimators].
type Estimators struct {
	mu    sync.Mutex
	table map[estimatorKey]*RTTEstimator
}

// NewEstimators creates an empty [*Estimators].
func NewEstimators() *Estimators {
	return &Estimators{table: make(map[estimatorKey]*RTTEstimator)}
}

// Get returns the estimator for the given destination and query
// type, creating an unseeded one on first use.
func (es *Estimators) Get(dest netip.AddrPort, qtype uint16) *RTTEstimator {
	es.mu.Lock()
	defer es.mu.Unlock()
	key := estimatorKey{dest: dest, qtype: qtype}
	est, found := es.table[key]
	if !found {
		est = NewRTTEstimator()
		es.table[key] = est
	}
	return est
}

// Len returns the number of estimators in the registry.
func (es *Estimators) Len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.table)
}
