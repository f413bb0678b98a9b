// SPDX-License-Identifier: GPL-3.0-or-later

// Command rttguard races a trusted DNS server against a possible spoofer
// and prints which answers it considered valid.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bassosimone/rttguard"
)

const currentVersion = "v0.1.0"

var (
	configFileFlag = flag.String(
		"config",
		"",
		"use config file (yaml format)",
	)
	serverFlag = flag.String(
		"server",
		"127.0.0.1:5353",
		"Trusted authoritative server endpoint.",
	)
	attackerFlag = flag.String(
		"attacker",
		"",
		"Endpoint that may spoof responses (optional).",
	)
	listenFlag = flag.String(
		"listen",
		"0.0.0.0:0",
		"Local address of the shared socket.",
	)
	baseNameFlag = flag.String(
		"base",
		"www.uwo.ca",
		"Base name from which query names are derived.",
	)
	countFlag = flag.Int(
		"count",
		25,
		"Number of queries to arbitrate.",
	)
	qtypeFlag = flag.String(
		"qtype",
		"A",
		"Query type (A or AAAA).",
	)
	warmupFlag = flag.Int(
		"warmup",
		rttguard.DefaultWarmupProbes,
		"Number of warm-up probes used to seed the RTT estimator.",
	)
	connectFlag = flag.String(
		"connect",
		"",
		"Instead of running a campaign, connect over TCP to host:port resolving host with arbitrated lookups.",
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

func fillConfigFromFlags(config *rttguard.Config) {
	config.Server = *serverFlag
	config.Attacker = *attackerFlag
	config.Listen = *listenFlag
	config.BaseName = *baseNameFlag
	config.Count = *countFlag
	config.QueryType = *qtypeFlag
	config.WarmupProbes = *warmupFlag
	config.LogLevel = *logLevelFlag
}

func main() {
	flag.Usage = func() {
		_, execPath := filepath.Split(os.Args[0])
		_, _ = fmt.Fprint(os.Stderr, "RTT-based DNS spoofing detection.\n\n")
		_, _ = fmt.Fprint(os.Stderr, "Version: "+currentVersion+".\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage:\n\n  %s [options]\n\nOptions:\n\n", execPath)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Println(currentVersion)
		return
	}

	config := rttguard.DefaultConfig()
	if *configFileFlag != "" {
		var err error
		if config, err = rttguard.LoadConfig(*configFileFlag); err != nil {
			fmt.Fprintf(os.Stderr, "rttguard: %s\n", err.Error())
			os.Exit(1)
		}
	} else {
		fillConfigFromFlags(config)
		if err := config.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "rttguard: %s\n", err.Error())
			os.Exit(1)
		}
	}

	log, err := rttguard.NewLogger(config.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rttguard: invalid log level: %s\n", err.Error())
		os.Exit(1)
	}

	// Stop on some signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	campaign := rttguard.NewCampaign(config)
	campaign.Logger = log
	if *connectFlag != "" {
		conn, err := campaign.Connect(ctx, "tcp", *connectFlag)
		if err != nil {
			log.WithError(err).Error("rttguard: connect failed")
			os.Exit(1)
		}
		fmt.Printf("connected to %s\n", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	report, err := campaign.Run(ctx)
	if report != nil {
		_ = report.Print(os.Stdout)
	}
	if err != nil {
		log.WithError(err).Error("rttguard: campaign failed")
		os.Exit(1)
	}
}
