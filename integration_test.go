// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationCampaignRejectsEarlySpoofer(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the server answers after 25-29 ms while the spoofer answers at once
	server, _ := startResponder(t, ctx, func(r *Responder) {
		r.Delay = UniformDelay(rand.New(rand.NewPCG(20261017, 1)), 25*time.Millisecond, 4*time.Millisecond)
	})
	attacker, _ := startResponder(t, ctx, func(r *Responder) {
		r.Answer = forgedAnswer
	})

	config := newTestConfig(server.String(), 10)
	config.Attacker = attacker.String()
	config.WarmupProbes = 10
	require.NoError(t, config.Validate())

	report, err := NewCampaign(config).Run(ctx)

	// note: may be flaky on heavily loaded machines
	require.NoError(t, err)
	assert.Equal(t, 10, report.Warmup.Count)
	assert.Greater(t, report.EstimatedRTT, 20*time.Millisecond)
	assert.Equal(t, 0, report.TransportErrors)
	require.Len(t, report.Results, 10)

	// The spoofer always answers first, so it wins only when the server
	// answer misses the full window and the spoofed answer is the only one.
	// When both answers compete, the early spoofer never gets in-window
	// responses and thus never wins the rescue.
	for _, res := range report.Results {
		if res.Outcome != OutcomeAccepted {
			continue
		}
		last := res.Trace[len(res.Trace)-1]
		switch res.Answer {
		case forgedAnswer:
			assert.Equal(t, StateOnlyOneValid, last, "spoofed answer accepted after %v", res.Trace)
			assert.Equal(t, attacker, res.Source)
		case legitAnswer:
			assert.Equal(t, server, res.Source)
		default:
			t.Fatalf("unexpected answer %q", res.Answer)
		}
		if last == StateResolved {
			assert.Equal(t, legitAnswer, res.Answer)
			require.Len(t, res.Candidates, 2)
			for _, cand := range res.Candidates {
				if cand.Source == attacker {
					assert.Equal(t, 0, cand.InWindow)
				}
			}
		}
	}
}

func TestIntegrationCampaignWithoutSpoofer(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, _ := startResponder(t, ctx, func(r *Responder) {
		r.Delay = FixedDelay(5 * time.Millisecond)
	})
	config := newTestConfig(server.String(), 5)

	report, err := NewCampaign(config).Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, Histogram{legitAnswer: 5}, report.Histogram)
	assert.Equal(t, 0, report.TransportErrors)
}
