/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"github.com/mdlayher/raw"
	"golang.org/x/sys/unix"
	"net"
	"time"
)

/* Bridge side

Raw AF_PACKET socket bound to the interface attached to the local ethernet
segment. Frames come and go whole, MAC header included, FCS excluded. The
socket runs promiscuous: the segment carries frames addressed to hosts behind
remote routers and those are exactly the ones we must pick up.
*/

// Headroom left in front of a received frame so encapsulation can prepend
// the AH header without copying.
var frame_headroom = (ah_hdr_len(ICV_LEN) + 7) &^ 7

func bridge_sender(conn *raw.Conn) {

	for pb := range send_bridge {

		if cli.debug["bridge"] {
			log.debug("bridge out: %v", pb.pp_pkt())
		}
		if cli.trace {
			pb.pp_raw("bridge out: ")
		}

		dst := net.HardwareAddr(pb.pkt[pb.data+ETHER_DST_MAC : pb.data+ETHER_DST_MAC+6])
		wlen, err := conn.WriteTo(pb.pkt[pb.data:pb.tail], &raw.Addr{HardwareAddr: dst})
		if err != nil {
			log.err("bridge out: send failed: %v", err)
		} else if wlen != pb.len() {
			log.err("bridge out: send truncated: wlen(%v) data/tail(%v/%v)", wlen, pb.data, pb.tail)
		}

		retbuf <- pb
	}
}

func bridge_receiver(conn *raw.Conn) {

	for {

		pb := <-getbuf
		pb.typ = PKT_FRAME
		pb.data = frame_headroom

		rlen, _, err := conn.ReadFrom(pb.pkt[pb.data:])
		if err != nil {
			log.err("bridge in: read failed: %v", err)
			retbuf <- pb
			time.Sleep(769 * time.Millisecond)
			continue
		}
		if rlen < ETHER_HDR_LEN {
			retbuf <- pb
			continue
		}
		pb.tail = pb.data + rlen

		// our own transmissions echo back on a promiscuous socket

		src_mac := MACFromSlice(pb.pkt[pb.data+ETHER_SRC_MAC:])
		if src_mac == bridge_mac {
			retbuf <- pb
			continue
		}

		if cli.debug["bridge"] {
			log.debug("bridge in:  %v", pb.pp_pkt())
		}
		if cli.trace {
			pb.pp_raw("bridge in:  ")
		}

		recv_bridge <- pb
	}
}

var bridge_mac MAC

func start_bridge() {

	if cli.devmode {
		return
	}

	ifi, err := net.InterfaceByName(cli.bridge)
	if err != nil {
		log.fatal("bridge: no such interface: %v: %v", cli.bridge, err)
	}
	if len(ifi.HardwareAddr) == 6 {
		bridge_mac = MACFromSlice(ifi.HardwareAddr)
	}

	conn, err := raw.ListenPacket(ifi, uint16(unix.ETH_P_ALL), nil)
	if err != nil {
		log.fatal("bridge: cannot open packet socket on %v: %v", cli.bridge, err)
	}
	if err := conn.SetPromiscuous(true); err != nil {
		log.fatal("bridge: cannot set promiscuous mode on %v: %v", cli.bridge, err)
	}

	log.info("bridge: %v %v mtu(%v)", cli.bridge, bridge_mac, ifi.MTU)

	go bridge_sender(conn)
	go bridge_receiver(conn)
}
