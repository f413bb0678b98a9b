// SPDX-License-Identifier: GPL-3.0-or-later

// Command rttresponder simulates either the authoritative server or the
// attacker by answering every query with a fixed address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bassosimone/rttguard"
	"github.com/bassosimone/rttguard/dnswire"
)

const currentVersion = "v0.1.0"

var (
	listenFlag = flag.String(
		"listen",
		"127.0.0.1:5353",
		"Address on which to receive queries.",
	)
	answerFlag = flag.String(
		"answer",
		"10.0.0.1",
		"Address returned in the answer record.",
	)
	delayFlag = flag.Duration(
		"delay",
		0,
		"Delay applied before sending each response.",
	)
	jitterFlag = flag.Duration(
		"jitter",
		0,
		"Uniformly distributed jitter added to the delay.",
	)
	lossFlag = flag.Float64(
		"loss",
		0,
		"Probability of silently dropping a response.",
	)
	idleFlag = flag.Duration(
		"idle",
		0,
		"Exit after no query arrived for this long (zero disables).",
	)
	nonAuthFlag = flag.Bool(
		"non-authoritative",
		false,
		"Clear the AA bit in responses.",
	)
	logLevelFlag = flag.String(
		"loglevel",
		"info",
		"Set log level.",
	)
	versionFlag = flag.Bool(
		"version",
		false,
		"Print version info.",
	)
)

func main() {
	flag.Usage = func() {
		_, execPath := filepath.Split(os.Args[0])
		_, _ = fmt.Fprint(os.Stderr, "Simulated DNS server or attacker.\n\n")
		_, _ = fmt.Fprint(os.Stderr, "Version: "+currentVersion+".\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage:\n\n  %s [options]\n\nOptions:\n\n", execPath)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Println(currentVersion)
		return
	}

	log, err := rttguard.NewLogger(*logLevelFlag, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rttresponder: invalid log level: %s\n", err.Error())
		os.Exit(1)
	}

	// Stop on some signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	responder, err := rttguard.ListenResponder(ctx, &net.ListenConfig{}, *listenFlag, *answerFlag)
	if err != nil {
		log.WithError(err).Error("rttresponder: cannot listen")
		os.Exit(1)
	}
	defer responder.Conn.Close()

	seed := uint64(time.Now().UnixNano())
	responder.Delay = rttguard.UniformDelay(rand.New(rand.NewPCG(seed, 1)), *delayFlag, *jitterFlag)
	if *lossFlag > 0 {
		responder.Drop = rttguard.RandomDrop(rand.New(rand.NewPCG(seed, 2)), *lossFlag)
	}
	if *nonAuthFlag {
		responder.Flags &^= dnswire.FlagAuthoritative
	}
	responder.IdleTimeout = *idleFlag
	responder.Logger = log

	log.WithField("listen", responder.Conn.LocalAddr().String()).Info("rttresponder: serving")
	if err := responder.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("rttresponder: serve failed")
		os.Exit(1)
	}
}
