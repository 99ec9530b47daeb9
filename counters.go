/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"sync"
	"sync/atomic"
)

/* Operator counters

Per peer counters are written by the forwarder with atomic stores and read by
the observer and the DB saver without locking. Only the registry map itself
takes a lock, and only when a peer is first seen.
*/

type PeerCtrs struct {
	bex_attempts    atomic.Uint64
	bex_successes   atomic.Uint64
	auth_failures   atomic.Uint64
	replay_drops    atomic.Uint64
	malformed_drops atomic.Uint64
	puzzle_drops    atomic.Uint64
	seq_out         atomic.Uint64
	tx_bytes        atomic.Uint64
	rx_bytes        atomic.Uint64
	frames_queued   atomic.Uint64
	queue_drops     atomic.Uint64
}

// AH datagrams whose SPI matches no inbound SA cannot be attributed to a
// peer, the counter is router wide.
var unknown_spi_drops atomic.Uint64

type Counters struct {
	mtx   sync.Mutex
	peers map[HIT]*PeerCtrs
}

var ctrs Counters

func (c *Counters) init() {
	c.peers = make(map[HIT]*PeerCtrs)
}

func (c *Counters) peer(hit HIT) *PeerCtrs {

	c.mtx.Lock()
	pc, ok := c.peers[hit]
	if !ok {
		pc = &PeerCtrs{}
		c.peers[hit] = pc
	}
	c.mtx.Unlock()
	return pc
}

// Snapshot of all peers for the observer and the DB saver.
func (c *Counters) snapshot() map[HIT]*PeerCtrs {

	c.mtx.Lock()
	snap := make(map[HIT]*PeerCtrs, len(c.peers))
	for hit, pc := range c.peers {
		snap[hit] = pc
	}
	c.mtx.Unlock()
	return snap
}

func (c *Counters) log_peer(hit HIT) {

	pc := c.peer(hit)
	log.info("ctrs: %v  bex(%v/%v)  auth_fail(%v) replay(%v) malformed(%v) puzzle(%v)  seq_out(%v)  tx/rx(%v/%v)  q(%v) qdrop(%v)",
		hit,
		pc.bex_successes.Load(), pc.bex_attempts.Load(),
		pc.auth_failures.Load(), pc.replay_drops.Load(),
		pc.malformed_drops.Load(),
		pc.puzzle_drops.Load(),
		pc.seq_out.Load(),
		pc.tx_bytes.Load(), pc.rx_bytes.Load(),
		pc.frames_queued.Load(), pc.queue_drops.Load())
}
