/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"golang.org/x/net/ipv4"
	"net"
)

/* Backbone side

Two raw IP sockets on the backbone locator, one per protocol: 139 for HIP
control and 51 for AH data. The kernel builds and strips the outer IPv4
header; we only ever see the protocol payload. The wrapping ipv4.PacketConn
pins the TTL.
*/

const BKBN_TTL = 64

func bkbn_sender(chip, cah *ipv4.PacketConn) {

	for pb := range send_bkbn {

		if cli.debug["bkbn"] {
			log.debug("bkbn out: %v  to %v", pb.pp_pkt(), pb.dst)
		}
		if cli.trace {
			pb.pp_raw("bkbn out: ")
		}

		if pb.dst.IsZero() {
			log.err("bkbn out: no destination locator, dropping")
			retbuf <- pb
			continue
		}
		daddr := &net.IPAddr{IP: net.IP(pb.dst.AsSlice())}

		var conn *ipv4.PacketConn
		switch pb.typ {
		case PKT_HIP:
			conn = chip
		case PKT_AH:
			conn = cah
		default:
			log.fatal("bkbn out: unknown packet type: %v", pb.typ)
		}

		wlen, err := conn.WriteTo(pb.pkt[pb.data:pb.tail], nil, daddr)
		if err != nil {
			log.err("bkbn out: send to %v failed: %v", pb.dst, err)
		} else if wlen != pb.len() {
			log.err("bkbn out: send to %v truncated", pb.dst)
		}

		retbuf <- pb
	}
}

func bkbn_receiver(conn *ipv4.PacketConn, typ int) {

	for {

		pb := <-getbuf
		pb.typ = typ
		pb.data = 0

		rlen, _, saddr, err := conn.ReadFrom(pb.pkt)
		if err != nil {
			log.err("bkbn in: read failed: %v", err)
			retbuf <- pb
			continue
		}
		if rlen == 0 || rlen == len(pb.pkt) {
			retbuf <- pb
			continue
		}
		pb.tail = rlen

		if ipa, ok := saddr.(*net.IPAddr); ok {
			if v4 := ipa.IP.To4(); v4 != nil {
				pb.src = IPFromSlice(v4)
			}
		}
		if pb.src.IsZero() {
			retbuf <- pb
			continue
		}

		if cli.debug["bkbn"] {
			log.debug("bkbn in:  %v  from %v", pb.pp_pkt(), pb.src)
		}
		if cli.trace {
			pb.pp_raw("bkbn in:  ")
		}

		recv_bkbn <- pb
	}
}

func listen_proto(proto string) *ipv4.PacketConn {

	laddr := &net.IPAddr{IP: net.IP(cli.bkbn_ip.AsSlice())}
	c, err := net.ListenIP(proto, laddr)
	if err != nil {
		log.fatal("bkbn: cannot listen on %v at %v: %v", proto, cli.bkbn_ip, err)
	}
	pc := ipv4.NewPacketConn(c)
	if err := pc.SetTTL(BKBN_TTL); err != nil {
		log.err("bkbn: cannot set TTL on %v: %v", proto, err)
	}
	return pc
}

func start_bkbn() {

	if cli.devmode {
		return
	}

	chip := listen_proto("ip4:139")
	cah := listen_proto("ip4:51")

	log.info("bkbn: backbone %v, protocols 139 and 51", cli.bkbn_ip)

	go bkbn_sender(chip, cah)
	go bkbn_receiver(chip, PKT_HIP)
	go bkbn_receiver(cah, PKT_AH)
}
