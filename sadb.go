/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"time"
)

/* Security association database

One SA per direction per peer. The whole database is owned by the forwarder
goroutine, there is no locking. Inbound SAs are keyed by SPI, outbound SAs
by peer HIT. SAs are created as an (in, out) pair when the base exchange
reaches ESTABLISHED and dropped as a pair on teardown.

The anti-replay window is a sliding bitmap of width W <= 64 over the highest
accepted sequence number. The check is split in two: replay_check is a pure
test run before ICV verification, replay_commit advances the window and is
only called once the datagram authenticated.
*/

const (
	SA_IN = iota + 1
	SA_OUT

	SEQ_MAX = 1<<32 - 1
)

type SA struct {
	spi       uint32
	peer_hit  HIT
	local_hit HIT
	dir       int // SA_IN, SA_OUT
	hmac_key  []byte
	aead_key  []byte // reserved for an ESP mode, never used
	icv_len   int
	created   time.Time

	// outbound
	seq_out   uint32
	exhausted bool

	// inbound
	replay_hi   uint32 // highest accepted sequence number, 0 before first
	replay_bits uint64 // bit ii set: replay_hi-ii already accepted
}

type SaPair struct {
	in  *SA
	out *SA
}

type Sadb struct {
	by_spi  map[uint32]*SA // inbound SAs
	by_peer map[HIT]*SaPair
	w       uint // replay window width, 8..64
}

func (sdb *Sadb) init(w int) {

	if w < 8 || w > 64 {
		log.fatal("sadb: invalid replay window width: %v", w)
	}
	sdb.by_spi = make(map[uint32]*SA)
	sdb.by_peer = make(map[HIT]*SaPair)
	sdb.w = uint(w)
}

// Allocate an inbound SPI unique within this router.
func (sdb *Sadb) alloc_spi() uint32 {

	for {
		spi := random_u32()
		if spi == 0 {
			continue
		}
		if _, taken := sdb.by_spi[spi]; taken {
			continue
		}
		return spi
	}
}

// Insert an (in, out) pair atomically. An existing pair for the peer is
// replaced, its inbound SPI released.
func (sdb *Sadb) insert_pair(in_sa, out_sa *SA) {

	if in_sa.dir != SA_IN || out_sa.dir != SA_OUT {
		log.fatal("sadb: pair directions mixed up")
	}
	if in_sa.peer_hit != out_sa.peer_hit {
		log.fatal("sadb: pair peers mixed up")
	}

	if old, ok := sdb.by_peer[in_sa.peer_hit]; ok {
		delete(sdb.by_spi, old.in.spi)
	}

	sdb.by_spi[in_sa.spi] = in_sa
	sdb.by_peer[in_sa.peer_hit] = &SaPair{in: in_sa, out: out_sa}

	log.debug("sadb: new pair for %v: spi in(0x%08x) out(0x%08x)",
		in_sa.peer_hit, in_sa.spi, out_sa.spi)
}

func (sdb *Sadb) lookup_in(spi uint32) *SA {
	return sdb.by_spi[spi]
}

func (sdb *Sadb) lookup_out(peer_hit HIT) *SA {

	pair, ok := sdb.by_peer[peer_hit]
	if !ok {
		return nil
	}
	return pair.out
}

func (sdb *Sadb) drop_pair(peer_hit HIT) bool {

	pair, ok := sdb.by_peer[peer_hit]
	if !ok {
		return false
	}
	delete(sdb.by_spi, pair.in.spi)
	delete(sdb.by_peer, peer_hit)
	log.debug("sadb: dropped pair for %v", peer_hit)
	return true
}

func (sdb *Sadb) drop_all() {

	for hit := range sdb.by_peer {
		sdb.drop_pair(hit)
	}
}

func (sdb *Sadb) num_pairs() int {
	return len(sdb.by_peer)
}

// Reserve the next outbound sequence number. Sequence numbers start at 1 and
// never wrap; once the space is consumed the SA refuses further use and the
// caller must tear it down and re-key.
func (sdb *Sadb) next_seq(sa *SA) (uint32, error) {

	if sa.dir != SA_OUT {
		log.fatal("sadb: next_seq on inbound SA")
	}
	if sa.exhausted {
		return 0, ErrExhausted
	}
	sa.seq_out += 1
	if sa.seq_out == SEQ_MAX {
		sa.exhausted = true // last usable value, refuse after this one
	}
	return sa.seq_out, nil
}

// Pure anti-replay test, run before the datagram authenticates.
func (sdb *Sadb) replay_check(sa *SA, seq uint32) error {

	if sa.dir != SA_IN {
		log.fatal("sadb: replay_check on outbound SA")
	}
	if seq == 0 {
		return ErrReplay
	}
	if seq > sa.replay_hi {
		return nil // window will advance
	}
	diff := sa.replay_hi - seq
	if diff >= uint32(sdb.w) {
		return ErrReplay // too old
	}
	if sa.replay_bits&(1<<diff) != 0 {
		return ErrReplay // already seen
	}
	return nil
}

// Commit an authenticated sequence number into the window.
func (sdb *Sadb) replay_commit(sa *SA, seq uint32) {

	if seq > sa.replay_hi {
		shift := uint64(seq - sa.replay_hi)
		if shift >= 64 {
			sa.replay_bits = 0
		} else {
			sa.replay_bits <<= shift
		}
		sa.replay_bits |= 1
		sa.replay_hi = seq
		return
	}
	sa.replay_bits |= 1 << (sa.replay_hi - seq)
}
