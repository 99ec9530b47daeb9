/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"bytes"
	"testing"
)

func TestCleanBex(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)
	rr.add_peer(ri)

	run_bex(t, ri, rr)

	if ri.sdb.num_pairs() != 1 || rr.sdb.num_pairs() != 1 {
		t.Fatalf("expected one SA pair on each side: %v %v",
			ri.sdb.num_pairs(), rr.sdb.num_pairs())
	}

	as_i := ri.hm.assoc[rr.hm.hi.hit]
	as_r := rr.hm.assoc[ri.hm.hi.hit]
	if as_i == nil || as_i.state != ESTABLISHED {
		t.Fatalf("initiator not ESTABLISHED")
	}
	if as_r == nil || as_r.state != R2_SENT {
		t.Fatalf("responder not R2-SENT")
	}

	// established callbacks fired on both sides

	if len(ri.up) != 1 || ri.up[0] != rr.hm.hi.hit {
		t.Errorf("initiator established callback missing")
	}
	if len(rr.up) != 1 || rr.up[0] != ri.hm.hi.hit {
		t.Errorf("responder established callback missing")
	}

	// direction keys must match crosswise

	out_i := ri.sdb.lookup_out(rr.hm.hi.hit)
	out_r := rr.sdb.lookup_out(ri.hm.hi.hit)
	in_i := ri.sdb.lookup_in(as_i.spi_in)
	in_r := rr.sdb.lookup_in(as_r.spi_in)
	if out_i == nil || out_r == nil || in_i == nil || in_r == nil {
		t.Fatalf("missing SAs")
	}
	if !bytes.Equal(out_i.hmac_key, in_r.hmac_key) {
		t.Errorf("initiator->responder keys differ")
	}
	if !bytes.Equal(out_r.hmac_key, in_i.hmac_key) {
		t.Errorf("responder->initiator keys differ")
	}
	if bytes.Equal(out_i.hmac_key, out_r.hmac_key) {
		t.Errorf("direction keys must differ")
	}

	// SPIs cross: what the initiator sends under is the responder's inbound

	if out_i.spi != as_r.spi_in || out_r.spi != as_i.spi_in {
		t.Errorf("SPI exchange mismatch")
	}
}

func TestBexFirstFrameDelivery(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)
	rr.add_peer(ri)
	run_bex(t, ri, rr)

	frame := test_frame(MustParseMAC("02:00:00:00:00:02"),
		MustParseMAC("02:00:00:00:00:01"), "hello over the overlay")

	pb := frame_pb(frame)
	sa := ri.sdb.lookup_out(rr.hm.hi.hit)
	if err := ah_encap(&ri.sdb, sa, pb); err != nil {
		t.Fatalf("encap: %v", err)
	}
	if pb.typ != PKT_AH {
		t.Fatalf("not an AH datagram after encap")
	}

	// first datagram on a fresh SA must carry seq 1

	pkt := pb.pkt[pb.data:pb.tail]
	if seq := be.Uint32(pkt[AH_SEQ : AH_SEQ+4]); seq != 1 {
		t.Errorf("first seq = %v, want 1", seq)
	}
	if spi := be.Uint32(pkt[AH_SPI : AH_SPI+4]); spi != sa.spi {
		t.Errorf("spi mismatch")
	}

	hit, err := ah_decap(&rr.sdb, pb)
	if err != nil {
		t.Fatalf("decap: %v", err)
	}
	if hit != ri.hm.hi.hit {
		t.Errorf("wrong peer attribution")
	}
	if !bytes.Equal(pb.pkt[pb.data:pb.tail], frame) {
		t.Errorf("inner frame mangled")
	}

	// authenticated data moves the responder to ESTABLISHED

	rr.hm.data_seen(hit)
	if rr.hm.assoc[ri.hm.hi.hit].state != ESTABLISHED {
		t.Errorf("responder not ESTABLISHED after data")
	}
}

func TestSimultaneousBex(t *testing.T) {

	ra := new_test_router(1, "192.0.2.1")
	rb := new_test_router(2, "192.0.2.2")
	ra.add_peer(rb)
	rb.add_peer(ra)

	ra.hm.trigger(rb.hm.hi.hit)
	rb.hm.trigger(ra.hm.hi.hit)
	i1a := ra.take()
	i1b := rb.take()
	if len(i1a) != 1 || len(i1b) != 1 {
		t.Fatalf("both sides must send I1")
	}

	// the side with the larger HIT keeps the initiator role

	winner, loser := ra, rb
	wi1, li1 := i1a[0], i1b[0]
	if hit_cmp(rb.hm.hi.hit, ra.hm.hi.hit) > 0 {
		winner, loser = rb, ra
		wi1, li1 = i1b[0], i1a[0]
	}

	// winner receives loser's I1 and ignores it
	winner.deliver(t, loser, li1)
	if out := winner.take(); len(out) != 0 {
		t.Fatalf("winner must ignore the crossing I1")
	}
	if winner.hm.assoc[loser.hm.hi.hit].state != I1_SENT {
		t.Fatalf("winner must stay I1-SENT")
	}

	// loser receives winner's I1, yields, answers R1
	loser.deliver(t, winner, wi1)
	r1 := loser.take()
	if len(r1) != 1 {
		t.Fatalf("loser must answer R1")
	}
	if _, still := loser.hm.assoc[winner.hm.hi.hit]; still {
		t.Fatalf("loser must discard its in-flight I1")
	}

	// the exchange completes with the winner as initiator

	winner.deliver(t, loser, r1[0])
	i2 := winner.take()
	if len(i2) != 1 {
		t.Fatalf("winner must send I2")
	}
	loser.deliver(t, winner, i2[0])
	r2 := loser.take()
	if len(r2) != 1 {
		t.Fatalf("loser must send R2")
	}
	winner.deliver(t, loser, r2[0])

	if winner.sdb.num_pairs() != 1 || loser.sdb.num_pairs() != 1 {
		t.Fatalf("exactly one SA pair on each side: %v %v",
			winner.sdb.num_pairs(), loser.sdb.num_pairs())
	}
	drain_timers()
}

func TestResponderStatelessOnI1(t *testing.T) {

	rr := new_test_router(2, "192.0.2.2")
	src := MustParseIP("203.0.113.77")

	for ii := 0; ii < 1000; ii++ {

		var hit HIT
		copy(hit[:], random_bytes(16))

		b := ctl_new(HIP_I1, hit, rr.hm.hi.hit)
		pkt, err := b.finish(src, rr.hm.laddr)
		if err != nil {
			t.Fatalf("build I1: %v", err)
		}
		cp, err := parse_ctl(pkt, src, rr.hm.laddr)
		if err != nil {
			t.Fatalf("parse I1: %v", err)
		}
		rr.hm.handle(cp, src)
	}

	if len(rr.hm.assoc) != 0 {
		t.Errorf("responder allocated %v associations on I1", len(rr.hm.assoc))
	}
	if rr.sdb.num_pairs() != 0 {
		t.Errorf("responder allocated SAs on I1")
	}
}

func TestR1Cache(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)
	rr.add_peer(ri)

	ri.hm.trigger(rr.hm.hi.hit)
	i1 := ri.take()[0]

	rr.deliver(t, ri, i1)
	first := rr.take()
	rr.deliver(t, ri, i1)
	second := rr.take()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected an R1 per I1")
	}
	if !bytes.Equal(first[0].pkt, second[0].pkt) {
		t.Errorf("repeated I1 within an epoch must re-serve the cached R1")
	}
	drain_timers()
}

// An I2 with correct keys and signatures but a forged puzzle solution must
// not create state or elicit R2.
func TestPuzzleForgery(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)
	rr.add_peer(ri)

	ri.hm.trigger(rr.hm.hi.hit)
	i1 := ri.take()[0]
	rr.deliver(t, ri, i1)
	r1op := rr.take()[0]

	cp, err := parse_ctl(r1op.pkt, rr.hm.laddr, ri.hm.laddr)
	if err != nil {
		t.Fatalf("parse R1: %v", err)
	}

	// build the I2 by hand, everything valid except J

	bad_j := make([]byte, 8) // overwhelmingly unlikely to satisfy K=12

	dh_pub, dh_priv := dh_keypair()
	secret, ok := dh_shared(dh_priv, cp.dh.pub)
	if !ok {
		t.Fatalf("dh_shared failed")
	}
	_, _, key_ctl := derive_keys(secret, ri.hm.hi.hit, rr.hm.hi.hit)

	b := ctl_new(HIP_I2, ri.hm.hi.hit, rr.hm.hi.hit)
	b.add_esp_info(0, 0, 0x1111)
	b.add_r1_counter(cp.r1_counter)
	b.add_solution(cp.puzzle.k, cp.puzzle.opaque, cp.puzzle.i[:], bad_j)
	b.add_dh(DH_GROUP_MODP_2048, dh_pub)
	b.add_hip_transform(SUITE_HMAC_SHA256)
	b.add_host_id(rsa_rdata(&ri.hm.hi.key.PublicKey))
	b.add_esp_transform(SUITE_HMAC_SHA256)
	b.seal_hmac(key_ctl)
	if err := b.seal_sig(ri.hm.hi.key); err != nil {
		t.Fatalf("sign I2: %v", err)
	}
	pkt, err := b.finish(ri.hm.laddr, rr.hm.laddr)
	if err != nil {
		t.Fatalf("build I2: %v", err)
	}

	before := ctrs.peer(ri.hm.hi.hit).puzzle_drops.Load()

	cp2, err := parse_ctl(pkt, ri.hm.laddr, rr.hm.laddr)
	if err != nil {
		t.Fatalf("parse I2: %v", err)
	}
	rr.hm.handle(cp2, ri.hm.laddr)

	if out := rr.take(); len(out) != 0 {
		t.Errorf("responder must not answer a forged I2")
	}
	if rr.sdb.num_pairs() != 0 {
		t.Errorf("responder allocated SAs for a forged I2")
	}
	if got := ctrs.peer(ri.hm.hi.hit).puzzle_drops.Load(); got != before+1 {
		t.Errorf("puzzle_drops = %v, want %v", got, before+1)
	}
	drain_timers()
}

func TestBexRetransmitExhaustion(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)

	ri.hm.trigger(rr.hm.hi.hit)
	if len(ri.take()) != 1 {
		t.Fatalf("no I1 sent")
	}

	// fire the deadline until the exchange gives up

	for ii := 0; ii < cli.bex_tries; ii++ {
		as, ok := ri.hm.assoc[rr.hm.hi.hit]
		if !ok {
			break
		}
		ri.hm.timeout(TimerEv{peer: rr.hm.hi.hit, gen: as.gen})
	}

	if _, still := ri.hm.assoc[rr.hm.hi.hit]; still {
		t.Fatalf("association must be gone after retry exhaustion")
	}
	if len(ri.down) != 1 || ri.down[0] != rr.hm.hi.hit {
		t.Errorf("bex_failed callback missing")
	}

	// the peer is cooling down, a new trigger is a no-op

	ri.hm.trigger(rr.hm.hi.hit)
	if out := ri.take(); len(out) != 0 {
		t.Errorf("trigger during cooldown must not send I1")
	}
	drain_timers()
}

func TestStaleTimerIgnored(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)

	ri.hm.trigger(rr.hm.hi.hit)
	ri.take()
	as := ri.hm.assoc[rr.hm.hi.hit]

	ri.hm.timeout(TimerEv{peer: rr.hm.hi.hit, gen: as.gen - 1})
	if out := ri.take(); len(out) != 0 {
		t.Errorf("stale timer caused a retransmit")
	}
	drain_timers()
}

func TestCloseTeardown(t *testing.T) {

	ri := new_test_router(1, "192.0.2.1")
	rr := new_test_router(2, "192.0.2.2")
	ri.add_peer(rr)
	rr.add_peer(ri)
	run_bex(t, ri, rr)

	ri.hm.close_peer(rr.hm.hi.hit)
	cl := ri.take()
	if len(cl) != 1 {
		t.Fatalf("no CLOSE sent")
	}
	if ri.sdb.num_pairs() != 0 {
		t.Fatalf("initiator SAs must be gone after CLOSE")
	}

	rr.deliver(t, ri, cl[0])
	ack := rr.take()
	if len(ack) != 1 {
		t.Fatalf("no CLOSE_ACK sent")
	}
	if rr.sdb.num_pairs() != 0 {
		t.Fatalf("responder SAs must be gone after CLOSE")
	}

	ri.deliver(t, rr, ack[0])
	if _, still := ri.hm.assoc[rr.hm.hi.hit]; still {
		t.Errorf("association must be gone after CLOSE_ACK")
	}
	drain_timers()
}
