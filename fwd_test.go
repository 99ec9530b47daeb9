/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"bytes"
	"fmt"
	"testing"
)

func test_fwd(t *testing.T) *Fwd {

	t.Helper()

	f := &Fwd{}
	f.peers.init()
	f.sdb.init(cli.replayw)
	f.queues = make(map[HIT][]*PktBuf)

	f.hipm.hi = HostIdentity{key: test_key(0)}
	f.hipm.hi.hit = hit_of(&f.hipm.hi.key.PublicKey)
	f.hipm.laddr = MustParseIP("192.0.2.1")
	f.hipm.init(&f.sdb, &f.peers)
	f.hipm.send = func(dst IP, pkt []byte) {}
	f.hipm.established = f.flush_queue
	f.hipm.bex_failed = f.drop_queue

	send_bkbn = make(chan *PktBuf, 64)
	send_bridge = make(chan *PktBuf, 64)

	return f
}

func (f *Fwd) test_peer(keyix int, locator string, macs ...MAC) HIT {

	key := test_key(keyix)
	hit := hit_of(&key.PublicKey)
	f.peers.by_hit[hit] = &PeerRec{hit: hit, locator: MustParseIP(locator), macs: macs}
	for _, mac := range macs {
		f.peers.by_mac[mac] = hit
	}
	return hit
}

func fill_getbuf(n int) {
	getbuf = make(chan *PktBuf, n)
	for ii := 0; ii < n; ii++ {
		getbuf <- &PktBuf{pkt: make([]byte, cli.pktbuflen)}
	}
}

func TestQueueBoundAndFlush(t *testing.T) {

	f := test_fwd(t)
	mac := MustParseMAC("02:00:00:00:00:02")
	peer := f.test_peer(1, "192.0.2.2", mac)

	// no SA yet: frames queue up to the bound, overflow drops oldest

	total := cli.maxqueue + 2
	for ii := 0; ii < total; ii++ {
		frame := test_frame(mac, MustParseMAC("02:00:00:00:00:01"),
			fmt.Sprintf("frame %02d", ii))
		pb := frame_pb(frame)
		if verdict := f.from_bridge(pb); verdict != STOLEN {
			t.Fatalf("frame %v: verdict %v, want STOLEN", ii, verdict)
		}
	}

	if got := len(f.queues[peer]); got != cli.maxqueue {
		t.Fatalf("queue length %v, want %v", got, cli.maxqueue)
	}

	// install the SA pair by hand and flush: the survivors drain in FIFO
	// order, which is the last maxqueue frames in original order

	key := random_bytes(HMAC_LEN)
	f.sdb.insert_pair(
		&SA{spi: f.sdb.alloc_spi(), peer_hit: peer, dir: SA_IN, hmac_key: key, icv_len: ICV_LEN},
		&SA{spi: 0x5151, peer_hit: peer, dir: SA_OUT, hmac_key: key, icv_len: ICV_LEN})

	f.flush_queue(peer)

	if len(f.queues[peer]) != 0 {
		t.Fatalf("queue not drained")
	}

	for ii := 0; ii < cli.maxqueue; ii++ {
		select {
		case pb := <-send_bkbn:
			pkt := pb.pkt[pb.data:pb.tail]
			if seq := be.Uint32(pkt[AH_SEQ : AH_SEQ+4]); seq != uint32(ii+1) {
				t.Errorf("drain %v: seq %v", ii, seq)
			}
			want := fmt.Sprintf("frame %02d", total-cli.maxqueue+ii)
			if !bytes.Contains(pkt, []byte(want)) {
				t.Errorf("drain %v: wrong frame, want %q", ii, want)
			}
		default:
			t.Fatalf("drain %v: nothing on send_bkbn", ii)
		}
	}

	// established path: further frames bypass the queue

	frame := test_frame(mac, MustParseMAC("02:00:00:00:00:01"), "direct")
	if verdict := f.from_bridge(frame_pb(frame)); verdict != ACCEPT {
		t.Fatalf("established path: verdict != ACCEPT")
	}
	drain_timers()
}

func TestUnknownMacDropped(t *testing.T) {

	f := test_fwd(t)
	f.test_peer(1, "192.0.2.2", MustParseMAC("02:00:00:00:00:02"))

	frame := test_frame(MustParseMAC("02:00:00:00:00:99"),
		MustParseMAC("02:00:00:00:00:01"), "nobody fronts this MAC")
	if verdict := f.from_bridge(frame_pb(frame)); verdict != DROP {
		t.Errorf("unknown destination MAC must drop")
	}
	drain_timers()
}

func TestBroadcastFloods(t *testing.T) {

	f := test_fwd(t)
	p1 := f.test_peer(1, "192.0.2.2", MustParseMAC("02:00:00:00:00:02"))
	p2 := f.test_peer(2, "192.0.2.3", MustParseMAC("02:00:00:00:00:03"))
	fill_getbuf(8)

	frame := test_frame(MustParseMAC("ff:ff:ff:ff:ff:ff"),
		MustParseMAC("02:00:00:00:00:01"), "who-has 10.0.0.1")

	verdict := f.from_bridge(frame_pb(frame))
	if verdict == DROP {
		t.Fatalf("broadcast dropped")
	}

	// no SAs exist, so a copy must be queued per peer
	if len(f.queues[p1]) != 1 || len(f.queues[p2]) != 1 {
		t.Errorf("broadcast not replicated to all peers: %v %v",
			len(f.queues[p1]), len(f.queues[p2]))
	}
	drain_timers()
}

func TestInboundAhToBridge(t *testing.T) {

	f := test_fwd(t)
	peer := f.test_peer(1, "192.0.2.2", MustParseMAC("02:00:00:00:00:02"))

	// wire an inbound SA and craft a matching datagram

	key := random_bytes(HMAC_LEN)
	spi := uint32(0x32323232)
	f.sdb.insert_pair(
		&SA{spi: spi, peer_hit: peer, dir: SA_IN, hmac_key: key, icv_len: ICV_LEN},
		&SA{spi: 0x6666, peer_hit: peer, dir: SA_OUT, hmac_key: random_bytes(HMAC_LEN), icv_len: ICV_LEN})

	var tx Sadb
	tx.init(cli.replayw)
	out_sa := &SA{spi: spi, peer_hit: peer, dir: SA_OUT, hmac_key: key, icv_len: ICV_LEN}
	tx.insert_pair(
		&SA{spi: tx.alloc_spi(), peer_hit: peer, dir: SA_IN, hmac_key: key, icv_len: ICV_LEN},
		out_sa)

	frame := test_frame(MustParseMAC("02:00:00:00:00:01"),
		MustParseMAC("02:00:00:00:00:02"), "inbound payload")
	pb := frame_pb(frame)
	if err := ah_encap(&tx, out_sa, pb); err != nil {
		t.Fatalf("encap: %v", err)
	}
	pb.src = MustParseIP("192.0.2.2")

	if verdict := f.from_bkbn(pb); verdict != ACCEPT {
		t.Fatalf("inbound AH not accepted")
	}

	select {
	case got := <-send_bridge:
		if !bytes.Equal(got.pkt[got.data:got.tail], frame) {
			t.Errorf("delivered frame differs")
		}
	default:
		t.Fatalf("nothing delivered to the bridge")
	}

	// the peer's locator was noted
	if f.peers.resolve_by_hit(peer).last_seen != pb.src {
		t.Errorf("last seen locator not recorded")
	}
	drain_timers()
}
