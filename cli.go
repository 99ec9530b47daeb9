/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ddir = "/var/lib/hip-vpls"
)

var cli struct { // no locks, once setup in cli, never modified thereafter
	debuglist string
	devmode   bool
	trace     bool
	stamps    bool
	datadir   string
	identity  string
	peers     string
	bridge    string
	bkbn      string
	maxbuf    int
	maxqueue  int
	replayw   int
	bex_tmo   int
	bex_tries int
	cooldown  int
	// derived
	debug       map[string]bool
	bkbn_ip     IP
	bex_timeout time.Duration
	cool_off    time.Duration
	pktbuflen   int
	log_level   uint
}

func parse_cli() {

	flag.StringVar(&cli.debuglist, "debug", "", "enable debug in listed files, comma separated")
	flag.BoolVar(&cli.trace, "trace", false, "enable packet trace")
	flag.BoolVar(&cli.devmode, "devmode", false, "development mode, do not open network interfaces")
	flag.BoolVar(&cli.stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&cli.datadir, "data", ddir, "data directory")
	flag.StringVar(&cli.identity, "identity", "/etc/hip-vpls/identity.pem", "path to host identity RSA keypair")
	flag.StringVar(&cli.peers, "peers", "/etc/hip-vpls/peers", "path to static peer table")
	flag.StringVar(&cli.bridge, "bridge-ifc", "", "network interface attached to the local ethernet segment")
	flag.StringVar(&cli.bkbn, "backbone", "", "local IP address on the backbone network")
	flag.IntVar(&cli.maxbuf, "max-buffers", 64, "max number of packet buffers")
	flag.IntVar(&cli.maxqueue, "max-queue", 32, "max ethernet frames queued per peer while base exchange runs")
	flag.IntVar(&cli.replayw, "replay-window", 64, "anti-replay window width, 8..64")
	flag.IntVar(&cli.bex_tmo, "bex-timeout", 2000, "[ms] base exchange retransmit timeout")
	flag.IntVar(&cli.bex_tries, "bex-retries", 5, "base exchange retransmit limit")
	flag.IntVar(&cli.cooldown, "bex-cooldown", 30, "[s] hold-off before re-trying an unreachable peer")
	flag.Usage = func() {
		toks := strings.Split(os.Args[0], "/")
		prog := toks[len(toks)-1]
		fmt.Println("User space HIP based VPLS router. It bridges a local ethernet segment")
		fmt.Println("with remote segments by tunneling frames inside authenticated AH packets.")
		fmt.Println("")
		fmt.Println("   ", prog, "[FLAGS]")
		fmt.Println("")
		flag.PrintDefaults()
	}
	flag.Parse()

	// initialize logger

	cli.debug = make(map[string]bool)

	for _, fname := range strings.Split(cli.debuglist, ",") {

		if len(fname) == 0 {
			continue
		}
		bix := 0
		eix := len(fname)
		if ix := strings.LastIndex(fname, "/"); ix >= 0 {
			bix = ix + 1
		}
		if ix := strings.LastIndex(fname, "."); ix >= 0 {
			eix = ix
		}
		cli.debug[fname[bix:eix]] = true
	}

	if cli.trace {
		cli.log_level = TRACE
	} else {
		cli.log_level = INFO
	}

	log.set(cli.log_level, cli.stamps)

	// backbone address

	if cli.devmode {

		cli.bkbn_ip = MustParseIP("198.51.100.1")

	} else {

		if cli.bkbn == "" {
			log.fatal("missing backbone IP address (try -backbone)")
		}
		var err error
		cli.bkbn_ip, err = ParseIP(cli.bkbn)
		if err != nil {
			log.fatal("invalid backbone IP address: %v", cli.bkbn)
		}
		if !cli.bkbn_ip.Is4() {
			log.fatal("backbone IP address must be IPv4: %v", cli.bkbn)
		}

		if cli.bridge == "" {
			log.fatal("missing bridge interface (try -bridge-ifc)")
		}
	}

	// validate file paths

	cli.datadir = absolute("data directory path", cli.datadir)
	cli.identity = absolute("identity keypair path", cli.identity)
	cli.peers = absolute("peer table path", cli.peers)

	// clamp limits

	if cli.maxbuf < 16 {
		cli.maxbuf = 16
	}
	if cli.maxbuf > 1024 {
		cli.maxbuf = 1024
	}
	if cli.maxqueue < 1 {
		cli.maxqueue = 1
	}
	if cli.replayw < 8 || cli.replayw > 64 {
		log.fatal("invalid replay window width: %v (must be 8..64)", cli.replayw)
	}
	if cli.bex_tmo < 100 {
		cli.bex_tmo = 100
	}
	if cli.bex_tries < 1 {
		cli.bex_tries = 1
	}
	cli.bex_timeout = time.Duration(cli.bex_tmo) * time.Millisecond
	cli.cool_off = time.Duration(cli.cooldown) * time.Second

	cli.pktbuflen = AH_HDR_MIN_LEN + ICV_LEN + ETHER_MAX_LEN + 8
	cli.pktbuflen += 7
	cli.pktbuflen &^= 7
}

func absolute(desc, path string) string {

	if len(path) == 0 {
		log.fatal("missing %v", desc)
	}

	apath, err := filepath.Abs(path)
	if err != nil {
		log.fatal("invalid %v: %v: %v", desc, path, err)
	}
	return apath
}
