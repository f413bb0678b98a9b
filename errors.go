// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"errors"
	"fmt"

	"github.com/bassosimone/dnscodec"
)

// These errors map the terminal outcomes of [*Arbitrator.Resolve] that do
// not produce an answer. Where possible, the error strings use the same
// suffixes used by the Go standard library.
var (
	// ErrLostPacket means no response arrived after all the retries.
	ErrLostPacket = errors.New("no answer from DNS server")

	// ErrNoValidResponse means that responses arrived but none matched the
	// query transaction id and name with at least one answer.
	//
	// It wraps [dnscodec.ErrInvalidResponse].
	ErrNoValidResponse = fmt.Errorf("%w: no valid candidate", dnscodec.ErrInvalidResponse)

	// ErrAmbiguous means that two valid responses were still tied after
	// the rescue rounds, so no answer could be accepted.
	ErrAmbiguous = errors.New("ambiguous DNS response")

	// ErrNoDestination means the trusted server endpoint is not configured.
	ErrNoDestination = errors.New("no configured destination")
)
