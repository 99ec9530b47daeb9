/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"github.com/hashicorp/golang-lru/v2/expirable"
	"math/big"
	"time"
)

/* HIP base exchange state machine

One association per peer, driven entirely from the forwarder goroutine. The
four packet exchange:

    I1 ─▷   trigger, carries only the HITs
    ◁─ R1   stateless challenge: puzzle, responder DH share, HOST_ID, signed
    I2 ─▷   puzzle solution, initiator DH share, ESP_INFO with the
            initiator's inbound SPI, HMAC, signed
    ◁─ R2   ESP_INFO with the responder's inbound SPI, HMAC, signed

The responder allocates no per peer state on I1. R1 content derives from a
short lived secret rotated once per epoch; the epoch counter travels in
R1_COUNTER and is echoed in I2 so the responder can re-derive the puzzle it
issued. State appears only when a valid I2 arrives: puzzle, HMAC and
signature all verify, then the SA pair is created and R2 goes out.

If both ends initiate at once the side with the numerically larger HIT keeps
the initiator role; the other side discards its in-flight I1 and answers as
responder.

Verification failures drop the packet silently and leave the retransmission
timers running; only timer exhaustion surfaces BEXFailed. After a failure the
peer sits in a cooldown list for a while so a dead peer does not burn cycles.
*/

const ( // association states
	UNASSOCIATED = iota
	I1_SENT
	I2_SENT
	R2_SENT
	ESTABLISHED
	CLOSING
	CLOSED
)

func state_name(state int) string {

	switch state {
	case UNASSOCIATED:
		return "UNASSOCIATED"
	case I1_SENT:
		return "I1-SENT"
	case I2_SENT:
		return "I2-SENT"
	case R2_SENT:
		return "R2-SENT"
	case ESTABLISHED:
		return "ESTABLISHED"
	case CLOSING:
		return "CLOSING"
	case CLOSED:
		return "CLOSED"
	}
	return "?"
}

const (
	R1_EPOCH     = 64 * time.Second
	R1_CACHE_LEN = 512
	PUZZLE_K     = 12 // difficulty, low bits of the hash that must be zero
	PUZZLE_LIFE  = 4
	CLOSE_TMO    = 2 * time.Second
)

type r1_cached struct {
	src IP
	pkt []byte
}

type HipAssoc struct {
	state     int
	peer_hit  HIT
	locator   IP
	initiator bool

	dh_priv *big.Int
	dh_pub  []byte

	key_i2r []byte
	key_r2i []byte
	key_ctl []byte

	spi_in  uint32 // our inbound SPI, sent to the peer in ESP_INFO
	spi_out uint32 // the peer's inbound SPI, learned from its ESP_INFO

	rexmt   []byte // packet to retransmit
	retries int
	gen     uint32 // timer generation, stale TimerEvs are ignored

	close_nonce []byte
}

type HipMachine struct {
	assoc map[HIT]*HipAssoc
	sdb   *Sadb
	peers *PeerStore
	hi    HostIdentity // this router's identity
	laddr IP           // this router's backbone locator

	// stateless responder material, rotated per epoch
	r1_counter  uint64
	r1_secret   []byte
	r1_dh_priv  *big.Int
	r1_dh_pub   []byte
	prev_secret []byte
	prev_dh_priv *big.Int
	rotated     time.Time

	r1_cache *expirable.LRU[HIT, r1_cached] // R1s built this epoch, by initiator HIT
	cooldown *expirable.LRU[HIT, struct{}] // peers holding off after BEXFailed

	// wired by the forwarder
	send        func(dst IP, pkt []byte)
	established func(peer HIT)
	bex_failed  func(peer HIT)
}

func (hm *HipMachine) init(sdb *Sadb, peers *PeerStore) {

	hm.assoc = make(map[HIT]*HipAssoc)
	hm.sdb = sdb
	hm.peers = peers

	hm.r1_counter = 1
	hm.r1_secret = random_bytes(HMAC_LEN)
	hm.r1_dh_pub, hm.r1_dh_priv = dh_keypair()
	hm.rotated = time.Now()

	hm.r1_cache = expirable.NewLRU[HIT, r1_cached](R1_CACHE_LEN, nil, R1_EPOCH)
	hm.cooldown = expirable.NewLRU[HIT, struct{}](R1_CACHE_LEN, nil, cli.cool_off)
}

// Rotate the responder secret and DH share once per epoch. Called lazily
// before any use of the material.
func (hm *HipMachine) rotate_r1() {

	if time.Since(hm.rotated) < R1_EPOCH {
		return
	}
	hm.prev_secret = hm.r1_secret
	hm.prev_dh_priv = hm.r1_dh_priv
	hm.r1_counter += 1
	hm.r1_secret = random_bytes(HMAC_LEN)
	hm.r1_dh_pub, hm.r1_dh_priv = dh_keypair()
	hm.rotated = time.Now()
	hm.r1_cache.Purge()
	log.debug("hip: rotated R1 material, counter(%v)", hm.r1_counter)
}

// The puzzle value issued to a given initiator this epoch.
func (hm *HipMachine) puzzle_i(secret []byte, hit_i, hit_r HIT) []byte {
	return hmac_sum(secret, hit_i[:], hit_r[:])[:8]
}

/* Initiator side */

// Ask the machine to bring a peer to ESTABLISHED. No-op if an exchange is
// already running, the peer is established, or it is cooling down.
func (hm *HipMachine) trigger(peer_hit HIT) {

	if _, cooling := hm.cooldown.Get(peer_hit); cooling {
		return
	}
	if as, ok := hm.assoc[peer_hit]; ok && as.state != UNASSOCIATED && as.state != CLOSED {
		return
	}
	rec := hm.peers.resolve_by_hit(peer_hit)
	if rec == nil {
		log.err("hip: trigger for unknown peer %v", peer_hit)
		return
	}

	as := &HipAssoc{
		state:     I1_SENT,
		peer_hit:  peer_hit,
		locator:   rec.locator,
		initiator: true,
	}
	hm.assoc[peer_hit] = as

	ctrs.peer(peer_hit).bex_attempts.Add(1)

	b := ctl_new(HIP_I1, hm.hi.hit, peer_hit)
	pkt, err := b.finish(hm.laddr, rec.locator)
	if err != nil {
		log.err("hip: cannot build I1 for %v: %v", peer_hit, err)
		delete(hm.assoc, peer_hit)
		return
	}

	as.rexmt = pkt
	as.retries = 0
	as.gen += 1
	hm.send(rec.locator, pkt)
	timer_after(peer_hit, as.gen, cli.bex_timeout)

	log.debug("hip: %v -> %v", peer_hit, state_name(as.state))
}

// Retransmission deadline. Resend the stored packet or give up.
func (hm *HipMachine) timeout(ev TimerEv) {

	as, ok := hm.assoc[ev.peer]
	if !ok || as.gen != ev.gen {
		return // cancelled or superseded
	}

	switch as.state {

	case I1_SENT, I2_SENT:

		as.retries += 1
		if as.retries >= cli.bex_tries {
			log.info("hip: base exchange with %v failed after %v tries", ev.peer, as.retries)
			hm.fail(as)
			return
		}
		hm.send(as.locator, as.rexmt)
		as.gen += 1
		timer_after(as.peer_hit, as.gen, cli.bex_timeout)

	case CLOSING:

		// no CLOSE_ACK, give up quietly
		delete(hm.assoc, ev.peer)
	}
}

func (hm *HipMachine) fail(as *HipAssoc) {

	delete(hm.assoc, as.peer_hit)
	hm.cooldown.Add(as.peer_hit, struct{}{})
	if hm.bex_failed != nil {
		hm.bex_failed(as.peer_hit)
	}
}

// Tear down the SA pair and the association, eg. on SAExhausted. A re-BEX
// trigger may follow immediately.
func (hm *HipMachine) teardown(peer_hit HIT) {

	hm.sdb.drop_pair(peer_hit)
	if as, ok := hm.assoc[peer_hit]; ok {
		as.gen += 1 // orphan any pending timer
		delete(hm.assoc, peer_hit)
	}
	log.debug("hip: %v -> UNASSOCIATED", peer_hit)
}

/* Packet dispatch */

func (hm *HipMachine) handle(cp *CtlPkt, src IP) {

	if cp.hit_r != hm.hi.hit && cp.typ != HIP_I1 {
		log.debug("hip: receiver HIT is not ours, dropping")
		return
	}

	switch cp.typ {
	case HIP_I1:
		hm.recv_i1(cp, src)
	case HIP_R1:
		hm.recv_r1(cp, src)
	case HIP_I2:
		hm.recv_i2(cp, src)
	case HIP_R2:
		hm.recv_r2(cp, src)
	case HIP_UPDATE:
		hm.recv_update(cp, src)
	case HIP_CLOSE:
		hm.recv_close(cp, src)
	case HIP_CLOSE_ACK:
		hm.recv_close_ack(cp, src)
	default:
		log.debug("hip: unhandled packet type %v, dropping", cp.typ)
	}
}

/* Responder side */

// I1 never allocates state. Build (or re-serve) the stateless R1.
func (hm *HipMachine) recv_i1(cp *CtlPkt, src IP) {

	if cp.hit_r != hm.hi.hit {
		return // not for us
	}
	hit_i := cp.hit_s

	// tie-break on crossing I1s: the larger HIT keeps the initiator role

	if as, ok := hm.assoc[hit_i]; ok && as.state == I1_SENT {
		if hit_cmp(hm.hi.hit, hit_i) > 0 {
			log.debug("hip: crossing I1 from %v, keeping initiator role", hit_i)
			return
		}
		log.debug("hip: crossing I1 from %v, yielding initiator role", hit_i)
		as.gen += 1 // cancel retransmission
		delete(hm.assoc, hit_i)
	}

	hm.rotate_r1()

	// the checksum binds to the address pair, so the cache entry is only
	// good for the locator it was built against

	if ent, ok := hm.r1_cache.Get(hit_i); ok && ent.src == src {
		hm.send(src, ent.pkt)
		return
	}

	i := hm.puzzle_i(hm.r1_secret, hit_i, hm.hi.hit)

	b := ctl_new(HIP_R1, hm.hi.hit, hit_i)
	b.add_r1_counter(hm.r1_counter)
	b.add_puzzle(PUZZLE_K, PUZZLE_LIFE, 0, i)
	b.add_dh(DH_GROUP_MODP_2048, hm.r1_dh_pub)
	b.add_hip_transform(SUITE_HMAC_SHA256)
	b.add_host_id(rsa_rdata(&hm.hi.key.PublicKey))
	b.add_esp_transform(SUITE_HMAC_SHA256)
	if err := b.seal_sig(hm.hi.key); err != nil {
		log.err("hip: cannot sign R1: %v", err)
		return
	}
	pkt, err := b.finish(hm.laddr, src)
	if err != nil {
		log.err("hip: cannot build R1: %v", err)
		return
	}

	hm.r1_cache.Add(hit_i, r1_cached{src: src, pkt: pkt})
	hm.send(src, pkt)
}

// Valid I2 is where the responder finally allocates state.
func (hm *HipMachine) recv_i2(cp *CtlPkt, src IP) {

	hit_i := cp.hit_s
	pc := ctrs.peer(hit_i)

	rec := hm.peers.resolve_by_hit(hit_i)
	if rec == nil {
		log.debug("hip: I2 from unconfigured peer %v, dropping", hit_i)
		return
	}

	if as, ok := hm.assoc[hit_i]; ok && as.state == R2_SENT {
		// retransmitted I2, re-send our stored R2
		hm.send(src, as.rexmt)
		return
	}

	if cp.solution == nil || cp.dh == nil || cp.host_id == nil ||
		cp.hmac == nil || cp.sig == nil || cp.esp_info == nil || !cp.has_r1_counter {
		log.debug("hip: I2 missing parameters, dropping")
		pc.malformed_drops.Add(1)
		return
	}

	hm.rotate_r1()

	// which epoch issued the puzzle

	var secret []byte
	var dh_priv *big.Int
	switch cp.r1_counter {
	case hm.r1_counter:
		secret, dh_priv = hm.r1_secret, hm.r1_dh_priv
	case hm.r1_counter - 1:
		secret, dh_priv = hm.prev_secret, hm.prev_dh_priv
	default:
		log.debug("hip: I2 with stale R1 counter, dropping")
		return
	}
	if secret == nil || dh_priv == nil {
		return
	}

	// puzzle first: correct signatures never excuse a bogus solution

	i := hm.puzzle_i(secret, hit_i, hm.hi.hit)
	if !hmac_equal(i, cp.solution.i[:]) ||
		!puzzle_verify(i, cp.solution.j[:], cp.solution.k, hit_i, hm.hi.hit) {
		log.debug("hip: I2 puzzle check failed for %v", hit_i)
		pc.puzzle_drops.Add(1)
		return
	}
	if cp.solution.k != PUZZLE_K {
		pc.puzzle_drops.Add(1)
		return
	}

	// transform selection must be one we offered

	if len(cp.hip_transform) != 1 || cp.hip_transform[0] != SUITE_HMAC_SHA256 {
		log.debug("hip: I2 selected unsupported transform, dropping")
		return
	}

	// the host identity must hash to the claimed HIT

	pub, ok := rsa_from_rdata(cp.host_id)
	if !ok || hit_of(pub) != hit_i {
		log.debug("hip: I2 HOST_ID does not match HIT %v", hit_i)
		pc.auth_failures.Add(1)
		return
	}

	secret_dh, ok := dh_shared(dh_priv, cp.dh.pub)
	if !ok {
		log.debug("hip: I2 with invalid DH public value, dropping")
		pc.malformed_drops.Add(1)
		return
	}
	key_i2r, key_r2i, key_ctl := derive_keys(secret_dh, hit_i, hm.hi.hit)

	if !cp.verify_hmac(key_ctl) {
		log.debug("hip: I2 HMAC mismatch from %v", hit_i)
		pc.auth_failures.Add(1)
		return
	}
	if !cp.verify_signature(cp.host_id) {
		log.debug("hip: I2 signature mismatch from %v", hit_i)
		pc.auth_failures.Add(1)
		return
	}

	rec.pubkey = pub

	// allocate state, create the SA pair, answer R2

	spi_in := hm.sdb.alloc_spi()
	spi_out := cp.esp_info.new_spi
	if spi_out == 0 {
		pc.malformed_drops.Add(1)
		return
	}

	as := &HipAssoc{
		state:     R2_SENT,
		peer_hit:  hit_i,
		locator:   src,
		initiator: false,
		key_i2r:   key_i2r,
		key_r2i:   key_r2i,
		key_ctl:   key_ctl,
		spi_in:    spi_in,
		spi_out:   spi_out,
	}
	hm.assoc[hit_i] = as

	b := ctl_new(HIP_R2, hm.hi.hit, hit_i)
	b.add_esp_info(0, 0, spi_in)
	b.seal_hmac(key_ctl)
	if err := b.seal_sig(hm.hi.key); err != nil {
		log.err("hip: cannot sign R2: %v", err)
		delete(hm.assoc, hit_i)
		return
	}
	pkt, err := b.finish(hm.laddr, src)
	if err != nil {
		log.err("hip: cannot build R2: %v", err)
		delete(hm.assoc, hit_i)
		return
	}
	as.rexmt = pkt // kept to answer retransmitted I2s

	hm.install_sas(as)
	hm.send(src, pkt)

	pc.bex_successes.Add(1)
	log.info("hip: %v -> R2-SENT, spi in(0x%08x) out(0x%08x)", hit_i, spi_in, spi_out)
}

// Inbound data authenticated under the new SA confirms the initiator got R2.
func (hm *HipMachine) data_seen(peer_hit HIT) {

	if as, ok := hm.assoc[peer_hit]; ok && as.state == R2_SENT {
		as.state = ESTABLISHED
		log.debug("hip: %v -> ESTABLISHED", peer_hit)
	}
}

/* Initiator side, continued */

func (hm *HipMachine) recv_r1(cp *CtlPkt, src IP) {

	hit_r := cp.hit_s
	pc := ctrs.peer(hit_r)

	as, ok := hm.assoc[hit_r]
	if !ok || as.state != I1_SENT {
		log.debug("hip: unexpected R1 from %v, dropping", hit_r)
		return
	}

	if cp.puzzle == nil || cp.dh == nil || cp.host_id == nil || cp.sig == nil || !cp.has_r1_counter {
		pc.malformed_drops.Add(1)
		return
	}
	if cp.puzzle.k > PUZZLE_MAX_K {
		log.debug("hip: R1 puzzle too hard (K=%v), dropping", cp.puzzle.k)
		return
	}
	if cp.dh.group != DH_GROUP_MODP_2048 {
		log.debug("hip: R1 offers unsupported DH group %v, dropping", cp.dh.group)
		return
	}

	// signature first, then check the key really is the peer

	if !cp.verify_signature(cp.host_id) {
		log.debug("hip: R1 signature mismatch from %v", hit_r)
		pc.auth_failures.Add(1)
		return
	}
	pub, ok := rsa_from_rdata(cp.host_id)
	if !ok || hit_of(pub) != hit_r {
		log.debug("hip: R1 HOST_ID does not match HIT %v", hit_r)
		pc.auth_failures.Add(1)
		return
	}
	if rec := hm.peers.resolve_by_hit(hit_r); rec != nil {
		rec.pubkey = pub
	}

	// solve the puzzle, derive keys, send I2

	j := puzzle_solve(cp.puzzle.i[:], cp.puzzle.k, hm.hi.hit, hit_r)

	dh_pub, dh_priv := dh_keypair()
	secret, ok := dh_shared(dh_priv, cp.dh.pub)
	if !ok {
		log.debug("hip: R1 with invalid DH public value, dropping")
		pc.malformed_drops.Add(1)
		return
	}
	key_i2r, key_r2i, key_ctl := derive_keys(secret, hm.hi.hit, hit_r)

	as.dh_priv = dh_priv
	as.dh_pub = dh_pub
	as.key_i2r = key_i2r
	as.key_r2i = key_r2i
	as.key_ctl = key_ctl
	as.spi_in = hm.sdb.alloc_spi()

	b := ctl_new(HIP_I2, hm.hi.hit, hit_r)
	b.add_esp_info(0, 0, as.spi_in)
	b.add_r1_counter(cp.r1_counter)
	b.add_solution(cp.puzzle.k, cp.puzzle.opaque, cp.puzzle.i[:], j)
	b.add_dh(DH_GROUP_MODP_2048, dh_pub)
	b.add_hip_transform(SUITE_HMAC_SHA256)
	b.add_host_id(rsa_rdata(&hm.hi.key.PublicKey))
	b.add_esp_transform(SUITE_HMAC_SHA256)
	b.seal_hmac(key_ctl)
	if err := b.seal_sig(hm.hi.key); err != nil {
		log.err("hip: cannot sign I2: %v", err)
		return
	}
	pkt, err := b.finish(hm.laddr, src)
	if err != nil {
		log.err("hip: cannot build I2: %v", err)
		return
	}

	as.state = I2_SENT
	as.rexmt = pkt
	as.retries = 0
	as.gen += 1
	hm.send(src, pkt)
	timer_after(hit_r, as.gen, cli.bex_timeout)

	log.debug("hip: %v -> %v", hit_r, state_name(as.state))
}

func (hm *HipMachine) recv_r2(cp *CtlPkt, src IP) {

	hit_r := cp.hit_s
	pc := ctrs.peer(hit_r)

	as, ok := hm.assoc[hit_r]
	if !ok || as.state != I2_SENT {
		log.debug("hip: unexpected R2 from %v, dropping", hit_r)
		return
	}

	if cp.hmac == nil || cp.sig == nil || cp.esp_info == nil {
		pc.malformed_drops.Add(1)
		return
	}

	// HMAC before signature, per the cheap check first rule

	if !cp.verify_hmac(as.key_ctl) {
		log.debug("hip: R2 HMAC mismatch from %v", hit_r)
		pc.auth_failures.Add(1)
		return
	}
	rec := hm.peers.resolve_by_hit(hit_r)
	if rec == nil || rec.pubkey == nil {
		return
	}
	if !rsa_verify(rec.pubkey, hip_coverage(cp.raw, cp.sig_off), cp.sig) {
		log.debug("hip: R2 signature mismatch from %v", hit_r)
		pc.auth_failures.Add(1)
		return
	}
	if cp.esp_info.new_spi == 0 {
		pc.malformed_drops.Add(1)
		return
	}

	as.spi_out = cp.esp_info.new_spi
	as.state = ESTABLISHED
	as.gen += 1 // cancel retransmission
	as.rexmt = nil

	hm.install_sas(as)

	pc.bex_successes.Add(1)
	log.info("hip: %v -> ESTABLISHED, spi in(0x%08x) out(0x%08x)",
		hit_r, as.spi_in, as.spi_out)
}

// Create the SA pair in the SADB and let the forwarder flush queued frames.
func (hm *HipMachine) install_sas(as *HipAssoc) {

	var key_in, key_out []byte
	if as.initiator {
		key_in, key_out = as.key_r2i, as.key_i2r
	} else {
		key_in, key_out = as.key_i2r, as.key_r2i
	}

	now := time.Now()
	in_sa := &SA{
		spi: as.spi_in, peer_hit: as.peer_hit, local_hit: hm.hi.hit,
		dir: SA_IN, hmac_key: key_in, icv_len: ICV_LEN, created: now,
	}
	out_sa := &SA{
		spi: as.spi_out, peer_hit: as.peer_hit, local_hit: hm.hi.hit,
		dir: SA_OUT, hmac_key: key_out, icv_len: ICV_LEN, created: now,
	}
	hm.sdb.insert_pair(in_sa, out_sa)

	if hm.established != nil {
		hm.established(as.peer_hit)
	}
}

/* UPDATE and CLOSE */

func (hm *HipMachine) recv_update(cp *CtlPkt, src IP) {

	// mobility and rekeying updates are not supported, tell the peer
	as, ok := hm.assoc[cp.hit_s]
	if !ok || as.state != ESTABLISHED && as.state != R2_SENT {
		return
	}
	if !cp.verify_hmac(as.key_ctl) {
		ctrs.peer(cp.hit_s).auth_failures.Add(1)
		return
	}

	b := ctl_new(HIP_NOTIFY, hm.hi.hit, cp.hit_s)
	b.seal_hmac(as.key_ctl)
	if err := b.seal_sig(hm.hi.key); err != nil {
		return
	}
	if pkt, err := b.finish(hm.laddr, src); err == nil {
		hm.send(src, pkt)
	}
}

// Start a graceful close toward an established peer.
func (hm *HipMachine) close_peer(peer_hit HIT) {

	as, ok := hm.assoc[peer_hit]
	if !ok || as.state != ESTABLISHED && as.state != R2_SENT {
		return
	}

	as.close_nonce = random_bytes(16)

	b := ctl_new(HIP_CLOSE, hm.hi.hit, peer_hit)
	b.add_echo_request(as.close_nonce)
	b.seal_hmac(as.key_ctl)
	if err := b.seal_sig(hm.hi.key); err != nil {
		return
	}
	pkt, err := b.finish(hm.laddr, as.locator)
	if err != nil {
		return
	}

	hm.sdb.drop_pair(peer_hit)
	as.state = CLOSING
	as.gen += 1
	hm.send(as.locator, pkt)
	timer_after(peer_hit, as.gen, CLOSE_TMO)

	log.debug("hip: %v -> CLOSING", peer_hit)
}

func (hm *HipMachine) recv_close(cp *CtlPkt, src IP) {

	hit := cp.hit_s
	as, ok := hm.assoc[hit]
	if !ok {
		return
	}
	if cp.hmac == nil || !cp.verify_hmac(as.key_ctl) {
		ctrs.peer(hit).auth_failures.Add(1)
		return
	}
	rec := hm.peers.resolve_by_hit(hit)
	if rec == nil || rec.pubkey == nil ||
		!rsa_verify(rec.pubkey, hip_coverage(cp.raw, cp.sig_off), cp.sig) {
		ctrs.peer(hit).auth_failures.Add(1)
		return
	}

	b := ctl_new(HIP_CLOSE_ACK, hm.hi.hit, hit)
	if cp.echo_req != nil {
		b.add_echo_response(cp.echo_req)
	}
	b.seal_hmac(as.key_ctl)
	if err := b.seal_sig(hm.hi.key); err == nil {
		if pkt, err := b.finish(hm.laddr, src); err == nil {
			hm.send(src, pkt)
		}
	}

	hm.sdb.drop_pair(hit)
	as.gen += 1
	delete(hm.assoc, hit)
	log.info("hip: %v closed by peer", hit)
}

func (hm *HipMachine) recv_close_ack(cp *CtlPkt, src IP) {

	hit := cp.hit_s
	as, ok := hm.assoc[hit]
	if !ok || as.state != CLOSING {
		return
	}
	if cp.hmac == nil || !cp.verify_hmac(as.key_ctl) {
		return
	}
	if as.close_nonce != nil && !hmac_equal(cp.echo_resp, as.close_nonce) {
		return
	}

	as.gen += 1
	delete(hm.assoc, hit)
	log.info("hip: %v closed", hit)
}

// Close everything, used at shutdown.
func (hm *HipMachine) close_all() {

	for hit, as := range hm.assoc {
		if as.state == ESTABLISHED || as.state == R2_SENT {
			hm.close_peer(hit)
		}
	}
	hm.sdb.drop_all()
}
