/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"errors"
	"testing"
)

func test_sa_pair(sdb *Sadb, peer HIT) (*SA, *SA) {

	in_sa := &SA{spi: sdb.alloc_spi(), peer_hit: peer, dir: SA_IN,
		hmac_key: random_bytes(HMAC_LEN), icv_len: ICV_LEN}
	out_sa := &SA{spi: 0x42424242, peer_hit: peer, dir: SA_OUT,
		hmac_key: random_bytes(HMAC_LEN), icv_len: ICV_LEN}
	sdb.insert_pair(in_sa, out_sa)
	return in_sa, out_sa
}

func TestNextSeqMonotonic(t *testing.T) {

	var sdb Sadb
	sdb.init(64)
	_, out_sa := test_sa_pair(&sdb, HIT{1})

	var prev uint32
	for ii := 0; ii < 1000; ii++ {
		seq, err := sdb.next_seq(out_sa)
		if err != nil {
			t.Fatalf("next_seq: %v", err)
		}
		if seq <= prev {
			t.Fatalf("seq %v not greater than %v", seq, prev)
		}
		prev = seq
	}
	if prev != 1000 {
		t.Errorf("seq after 1000 calls = %v", prev)
	}
}

func TestSeqExhaustion(t *testing.T) {

	var sdb Sadb
	sdb.init(64)
	_, out_sa := test_sa_pair(&sdb, HIT{1})

	// force the counter to two below the ceiling; the next reservation is
	// the last usable value, the one after refuses

	out_sa.seq_out = SEQ_MAX - 2

	seq, err := sdb.next_seq(out_sa)
	if err != nil || seq != SEQ_MAX-1 {
		t.Fatalf("seq = %v err = %v, want %v", seq, err, uint32(SEQ_MAX-1))
	}
	seq, err = sdb.next_seq(out_sa)
	if err != nil || seq != SEQ_MAX {
		t.Fatalf("seq = %v err = %v, want %v", seq, err, uint32(SEQ_MAX))
	}
	if _, err = sdb.next_seq(out_sa); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !out_sa.exhausted {
		t.Errorf("SA not marked exhausted")
	}
}

func TestReplayWindow(t *testing.T) {

	var sdb Sadb
	sdb.init(64)
	in_sa, _ := test_sa_pair(&sdb, HIT{1})

	accept := func(seq uint32) error {
		if err := sdb.replay_check(in_sa, seq); err != nil {
			return err
		}
		sdb.replay_commit(in_sa, seq)
		return nil
	}

	// in order
	for seq := uint32(1); seq <= 100; seq++ {
		if err := accept(seq); err != nil {
			t.Fatalf("seq %v rejected: %v", seq, err)
		}
	}

	// every accepted value is rejected on second presentation
	for seq := uint32(100); seq > 100-uint32(sdb.w); seq-- {
		if err := sdb.replay_check(in_sa, seq); !errors.Is(err, ErrReplay) {
			t.Fatalf("replayed seq %v not rejected", seq)
		}
	}

	// too old, off the left edge of the window
	if err := sdb.replay_check(in_sa, 100-uint32(sdb.w)); !errors.Is(err, ErrReplay) {
		t.Errorf("stale seq not rejected")
	}

	// out of order but inside the window and not yet seen
	if err := accept(200); err != nil {
		t.Fatalf("seq 200 rejected: %v", err)
	}
	if err := accept(180); err != nil {
		t.Fatalf("in-window seq 180 rejected: %v", err)
	}
	if err := sdb.replay_check(in_sa, 180); !errors.Is(err, ErrReplay) {
		t.Errorf("second presentation of 180 not rejected")
	}

	// zero is never valid
	if err := sdb.replay_check(in_sa, 0); !errors.Is(err, ErrReplay) {
		t.Errorf("seq 0 not rejected")
	}
}

func TestReplayCheckDoesNotAdvance(t *testing.T) {

	var sdb Sadb
	sdb.init(64)
	in_sa, _ := test_sa_pair(&sdb, HIT{1})

	// a bare check must not burn the sequence number
	for ii := 0; ii < 3; ii++ {
		if err := sdb.replay_check(in_sa, 7); err != nil {
			t.Fatalf("check %v failed: %v", ii, err)
		}
	}
	sdb.replay_commit(in_sa, 7)
	if err := sdb.replay_check(in_sa, 7); !errors.Is(err, ErrReplay) {
		t.Errorf("committed seq not rejected")
	}
}

func TestSadbPairLifecycle(t *testing.T) {

	var sdb Sadb
	sdb.init(64)

	peer := HIT{0xaa}
	in_sa, out_sa := test_sa_pair(&sdb, peer)

	if sdb.lookup_in(in_sa.spi) != in_sa {
		t.Fatalf("lookup_in failed")
	}
	if sdb.lookup_out(peer) != out_sa {
		t.Fatalf("lookup_out failed")
	}

	// replacing the pair releases the old inbound SPI

	in2, _ := test_sa_pair(&sdb, peer)
	if sdb.num_pairs() != 1 {
		t.Fatalf("replacement must not duplicate pairs")
	}
	if in2.spi != in_sa.spi && sdb.lookup_in(in_sa.spi) != nil {
		t.Errorf("old inbound SPI still resolves")
	}

	if !sdb.drop_pair(peer) {
		t.Fatalf("drop_pair failed")
	}
	if sdb.lookup_in(in2.spi) != nil || sdb.lookup_out(peer) != nil {
		t.Errorf("SAs survive drop_pair")
	}
	if sdb.drop_pair(peer) {
		t.Errorf("second drop_pair must report no pair")
	}
}

func TestAllocSpiUnique(t *testing.T) {

	var sdb Sadb
	sdb.init(64)

	seen := make(map[uint32]bool)
	for ii := 0; ii < 1000; ii++ {
		spi := sdb.alloc_spi()
		if spi == 0 || seen[spi] {
			t.Fatalf("duplicate or zero SPI: %v", spi)
		}
		seen[spi] = true
		// register it so the next allocation must avoid it
		sdb.by_spi[spi] = &SA{spi: spi, dir: SA_IN}
	}
}
