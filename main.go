/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

var goexit chan (string)

func catch_signals() {

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigchan

	signal.Stop(sigchan)
	goexit <- "signal(" + sig.String() + ")"
}

func main() {

	parse_cli() // also initializes log

	log.info("START hip-vpls router")

	goexit = make(chan string)
	go catch_signals()

	getbuf = make(chan *PktBuf, 1)
	retbuf = make(chan *PktBuf, cli.maxbuf)
	go pkt_buffers()

	load_identity(cli.identity)

	ctrs.init()
	start_db()

	fwd.init()

	recv_bridge = make(chan *PktBuf, PKTQLEN)
	send_bridge = make(chan *PktBuf, PKTQLEN)
	recv_bkbn = make(chan *PktBuf, PKTQLEN)
	send_bkbn = make(chan *PktBuf, PKTQLEN)

	timer_set = make(chan timer_req, 64)
	timerq = make(chan TimerEv, 64)
	peerq = make(chan map[HIT]*PeerRec, 1)

	quiesce = make(chan struct{})
	worker_done = make(chan struct{})

	go timer_loop()
	go peers_watcher()
	go worker()

	start_bridge()
	start_bkbn()

	msg := <-goexit

	// quiesce: the worker drains pending events, closes peers, tears down
	// the SADB, then signals done

	close(quiesce)
	select {
	case <-worker_done:
	case <-time.After(3 * time.Second):
		log.err("shutdown: worker did not drain")
	}

	stop_db()
	log.info("STOP hip-vpls router: %v", msg)
}
