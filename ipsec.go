/* Copyright (c) 2025 hip-vpls project */

package main

/* AH data plane

Encapsulation wraps an ethernet frame in an AH header under the peer's
outbound SA. Decapsulation runs the mandated order: parse, SPI lookup,
tentative replay check, constant time ICV compare, replay commit, deliver.
The replay window only advances for datagrams that authenticated.
*/

// Encapsulate the ethernet frame in pb (PKT_FRAME) into an AH datagram under
// sa, in place. On success pb is a PKT_AH spanning header plus frame.
func ah_encap(sdb *Sadb, sa *SA, pb *PktBuf) error {

	hlen := ah_hdr_len(sa.icv_len)
	if pb.data < hlen {
		log.fatal("ipsec: not enough headroom for AH header data/tail(%v/%v)", pb.data, pb.tail)
	}

	seq, err := sdb.next_seq(sa)
	if err != nil {
		return err
	}

	pc := ctrs.peer(sa.peer_hit)
	pc.seq_out.Store(uint64(seq))

	pb.data -= hlen
	pkt := pb.pkt[pb.data:pb.tail]

	write_ah_hdr(pkt, AH_NEXT_ETHER, sa.spi, seq, sa.icv_len)
	icv := hmac_sum(sa.hmac_key, pkt)[:sa.icv_len]
	copy(pkt[AH_ICV:], icv)

	pb.typ = PKT_AH
	pc.tx_bytes.Add(uint64(len(pkt)))
	return nil
}

// Decapsulate a received AH datagram in pb. On success pb is the inner
// PKT_FRAME and the owning SA's peer is returned.
func ah_decap(sdb *Sadb, pb *PktBuf) (HIT, error) {

	pkt := pb.pkt[pb.data:pb.tail]

	hdr, payload, err := parse_ah(pkt)
	if err != nil {
		return HIT{}, err
	}

	sa := sdb.lookup_in(hdr.spi)
	if sa == nil {
		return HIT{}, ErrUnknownSPI
	}
	pc := ctrs.peer(sa.peer_hit)

	// tentative, committed only after the ICV verifies
	if err := sdb.replay_check(sa, hdr.seq); err != nil {
		pc.replay_drops.Add(1)
		return sa.peer_hit, err
	}

	expected := hmac_sum(sa.hmac_key, ah_coverage(pkt, sa.icv_len))[:sa.icv_len]
	if len(hdr.icv) != sa.icv_len || !hmac_equal(expected, hdr.icv) {
		pc.auth_failures.Add(1)
		return sa.peer_hit, ErrAuth
	}

	sdb.replay_commit(sa, hdr.seq)

	pc.rx_bytes.Add(uint64(len(pkt)))

	pb.typ = PKT_FRAME
	pb.data = pb.tail - len(payload)
	return sa.peer_hit, nil
}
