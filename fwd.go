/* Copyright (c) 2025 hip-vpls project */

package main

/* Packet flow

               ╭─────────────╮     ┏━━━━━━━━━━━━┓     ╭──────────╮
       ╭────▷──┤ recv_bridge ├──▷──┨            ┠──▷──┤ send_bkbn├──▷────╮
       │       ╰─────────────╯     ┃            ┃     ╰──────────╯       │
    ┏━━┷━━━━┓                      ┃   worker   ┃                   ┏━━━━┷━━━┓
    ┃ bridge┃      timerq ──────▷──┨  (owns all ┃                   ┃backbone┃
    ┃  ifc  ┃      peerq  ──────▷──┨   state)   ┃                   ┃  socks ┃
    ┗━━┯━━━━┛                      ┃            ┃                   ┗━━━━┯━━━┛
       │       ╭─────────────╮     ┃            ┃     ╭──────────╮       │
       ╰────◁──┤ send_bridge ├──◁──┨            ┠──◁──┤ recv_bkbn├──◁────╯
               ╰─────────────╯     ┗━━━━━━━━━━━━┛     ╰──────────╯

The worker is the single owner of the peer store, the SADB, the HIP state
machine and the per peer frame queues. Everything else only moves bytes.
*/

import (
	"errors"
)

var recv_bridge chan *PktBuf
var send_bridge chan *PktBuf
var recv_bkbn chan *PktBuf
var send_bkbn chan *PktBuf

var quiesce chan struct{}
var worker_done chan struct{}

type Fwd struct {
	peers  PeerStore
	sdb    Sadb
	hipm   HipMachine
	queues map[HIT][]*PktBuf // pre-BEX frames, FIFO, bounded
}

var fwd Fwd

func (f *Fwd) init() {

	f.peers.init()
	f.sdb.init(cli.replayw)
	f.queues = make(map[HIT][]*PktBuf)

	f.hipm.hi = local_hi
	f.hipm.laddr = cli.bkbn_ip
	f.hipm.init(&f.sdb, &f.peers)
	f.hipm.send = hip_send
	f.hipm.established = f.flush_queue
	f.hipm.bex_failed = f.drop_queue
}

// Wrap a control packet built by the state machine and hand it to the
// backbone sender.
func hip_send(dst IP, pkt []byte) {

	pb := <-getbuf
	pb.typ = PKT_HIP
	pb.data = len(pb.pkt) - len(pkt)
	pb.tail = len(pb.pkt)
	copy(pb.pkt[pb.data:], pkt)
	pb.dst = dst
	send_bkbn <- pb
}

/* Outbound: bridge to backbone */

func (f *Fwd) from_bridge(pb *PktBuf) int {

	if pb.len() < ETHER_HDR_LEN {
		log.debug("fwd: runt frame, dropping")
		return DROP
	}

	dst_mac := MACFromSlice(pb.pkt[pb.data+ETHER_DST_MAC:])

	if dst_mac.IsMulticast() {
		return f.flood(pb)
	}

	hit, ok := f.peers.resolve_by_mac(dst_mac)
	if !ok {
		log.debug("fwd: no peer fronts %v, dropping", dst_mac)
		return DROP
	}
	return f.to_peer(pb, hit)
}

// Broadcast and multicast frames replicate to every configured peer.
func (f *Fwd) flood(pb *PktBuf) int {

	hits := make([]HIT, 0, len(f.peers.by_hit))
	for hit := range f.peers.by_hit {
		hits = append(hits, hit)
	}
	if len(hits) == 0 {
		return DROP
	}

	for _, hit := range hits[1:] {
		cp := <-getbuf
		cp.copy_from(pb)
		if f.to_peer(cp, hit) == DROP {
			retbuf <- cp
		}
	}
	// the original buffer goes to the first peer
	return f.to_peer(pb, hits[0])
}

func (f *Fwd) to_peer(pb *PktBuf, hit HIT) int {

	sa := f.sdb.lookup_out(hit)
	if sa == nil {
		f.enqueue(pb, hit)
		f.hipm.trigger(hit)
		return STOLEN
	}

	if err := ah_encap(&f.sdb, sa, pb); err != nil {

		if errors.Is(err, ErrExhausted) {
			// tear down and run a fresh exchange, the frame waits in queue
			log.info("fwd: outbound SA for %v exhausted, re-keying", hit)
			f.hipm.teardown(hit)
			f.enqueue(pb, hit)
			f.hipm.trigger(hit)
			return STOLEN
		}
		return DROP
	}

	rec := f.peers.resolve_by_hit(hit)
	if rec == nil {
		return DROP
	}
	pb.dst = rec.locator
	send_bkbn <- pb
	return ACCEPT
}

func (f *Fwd) enqueue(pb *PktBuf, hit HIT) {

	pc := ctrs.peer(hit)
	q := f.queues[hit]
	if len(q) >= cli.maxqueue {
		// overflow drops oldest
		retbuf <- q[0]
		q = q[1:]
		pc.queue_drops.Add(1)
	}
	f.queues[hit] = append(q, pb)
	pc.frames_queued.Add(1)
}

// BEX reached ESTABLISHED, drain the peer's queue in FIFO order.
func (f *Fwd) flush_queue(hit HIT) {

	q := f.queues[hit]
	delete(f.queues, hit)

	for _, pb := range q {
		if f.to_peer(pb, hit) == DROP {
			retbuf <- pb
		}
	}
}

// BEX failed, queued frames are lost. Loss is the user visible signal.
func (f *Fwd) drop_queue(hit HIT) {

	q := f.queues[hit]
	delete(f.queues, hit)

	for _, pb := range q {
		retbuf <- pb
	}
	if len(q) > 0 {
		log.debug("fwd: dropped %v queued frames for %v", len(q), hit)
	}
}

/* Inbound: backbone to bridge */

func (f *Fwd) from_bkbn(pb *PktBuf) int {

	switch pb.typ {

	case PKT_HIP:

		cp, err := parse_ctl(pb.pkt[pb.data:pb.tail], pb.src, f.hipm.laddr)
		if err != nil {
			log.debug("fwd: %v from %v", err, pb.src)
			return DROP
		}
		ctrs.peer(cp.hit_s).rx_bytes.Add(uint64(pb.len()))
		f.hipm.handle(cp, pb.src)
		return DROP // control packets never go to the bridge

	case PKT_AH:

		hit, err := ah_decap(&f.sdb, pb)
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrAuth) {
				log.debug("fwd: %v from %v", err, pb.src)
			}
			if errors.Is(err, ErrUnknownSPI) {
				unknown_spi_drops.Add(1)
			}
			return DROP
		}
		f.hipm.data_seen(hit)
		f.note_locator(hit, pb.src)
		send_bridge <- pb
		return ACCEPT
	}

	log.fatal("fwd: unknown packet type: %v", pb.typ)
	return DROP
}

// Remember where the peer last talked from, for the operator and for
// restarts. Persisted through the DB channel.
func (f *Fwd) note_locator(hit HIT, src IP) {

	rec := f.peers.resolve_by_hit(hit)
	if rec == nil || rec.last_seen == src {
		return
	}
	rec.last_seen = src
	db_note_locator(hit, src)
}

/* The worker */

func worker() {

	for {
		select {

		case pb := <-recv_bridge:

			if cli.debug["fwd"] {
				log.debug("fwd in:  %v", pb.pp_pkt())
			}
			if fwd.from_bridge(pb) == DROP {
				retbuf <- pb
			}

		case pb := <-recv_bkbn:

			if cli.debug["fwd"] {
				log.debug("fwd in:  %v", pb.pp_pkt())
			}
			if fwd.from_bkbn(pb) == DROP {
				retbuf <- pb
			}

		case ev := <-timerq:

			fwd.hipm.timeout(ev)

		case peers := <-peerq:

			fwd.peers.swap(peers)

		case <-quiesce:

			fwd.hipm.close_all()
			for hit := range fwd.queues {
				fwd.drop_queue(hit)
			}
			close(worker_done)
			return
		}
	}
}
