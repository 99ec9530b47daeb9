/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const ( // packet handling verdicts

	ACCEPT = iota + 1
	DROP
	STOLEN
)

const (
	// IP protocol numbers on the backbone
	PROTO_HIP = 139
	PROTO_AH  = 51
	// ethernet
	ETHER_DST_MAC  = 0
	ETHER_SRC_MAC  = 6
	ETHER_TYPE     = 12
	ETHER_HDR_LEN  = 6 + 6 + 2
	ETHER_MAX_LEN  = 1514
	PKTQLEN        = 2
	// AH header offsets (RFC 4302)
	AH_NEXT        = 0
	AH_PLDLEN      = 1
	AH_RESERVED    = 2
	AH_SPI         = 4
	AH_SEQ         = 8
	AH_ICV         = 12
	AH_HDR_MIN_LEN = 12
	AH_NEXT_ETHER  = 0x61 // tunneled ethernet frame follows
	// HIP fixed header offsets (RFC 7401)
	HIP_NEXT     = 0
	HIP_HDRLEN   = 1
	HIP_TYPE     = 2
	HIP_VER      = 3
	HIP_CSUM     = 4
	HIP_CTRL     = 6
	HIP_HIT_S    = 8
	HIP_HIT_R    = 24
	HIP_HDR_LEN  = 40
	HIP_NEXT_NONE = 59
	HIP_VERSION  = 2
)

const (
	PKT_FRAME = iota + 1 // raw ethernet frame, bridge side
	PKT_HIP              // HIP control packet, backbone side
	PKT_AH               // AH datagram, backbone side
)

type PktBuf struct {
	pkt  []byte
	typ  int // PKT_FRAME, PKT_HIP, PKT_AH
	data int // the beginning of the packet data; all data before should be ignored
	tail int // the end of the packet data; all data after should be ignored
	peer string // peer or source name, human readable
	src  IP     // backbone source of a received datagram
	dst  IP     // backbone destination of a datagram to send
}

func (pb *PktBuf) len() int {
	return pb.tail - pb.data
}

func (pb *PktBuf) clear() {
	*pb = PktBuf{pkt: pb.pkt}
}

func (pb *PktBuf) copy_from(pbo *PktBuf) {

	if len(pb.pkt) < int(pbo.tail) {
		log.fatal("pkt: buffer too small to copy from another pkt")
	}

	pb.typ = pbo.typ
	pb.data = pbo.data
	pb.tail = pbo.tail
	pb.peer = pbo.peer
	pb.src = pbo.src
	pb.dst = pbo.dst

	copy(pb.pkt[pb.data:pb.tail], pbo.pkt[pb.data:pb.tail])
}

func hip_type_name(typ byte) string {

	switch typ {
	case HIP_I1:
		return "I1"
	case HIP_R1:
		return "R1"
	case HIP_I2:
		return "I2"
	case HIP_R2:
		return "R2"
	case HIP_UPDATE:
		return "UPDATE"
	case HIP_NOTIFY:
		return "NOTIFY"
	case HIP_CLOSE:
		return "CLOSE"
	case HIP_CLOSE_ACK:
		return "CLOSE_ACK"
	}
	return fmt.Sprintf("%v", typ)
}

func (pb *PktBuf) pp_pkt() (ss string) {

	// HIP I1  2001:2f:6a..  2001:2e:11..  len(40)  data/tail(0/40)
	// AH  spi(0x4f21a6b0) seq(7)  len(1560)  data/tail(44/1604)
	// FRAME  aa:bb:cc:dd:ee:ff  11:22:33:44:55:66  len(98)  data/tail(0/98)

	pkt := pb.pkt[pb.data:pb.tail]

	switch pb.typ {

	case PKT_HIP:

		if len(pkt) < HIP_HDR_LEN {
			break
		}
		ss = fmt.Sprintf("HIP %v  %v  %v  len(%v)  data/tail(%v/%v)",
			hip_type_name(pkt[HIP_TYPE]&0x7f),
			HITFromSlice(pkt[HIP_HIT_S:HIP_HIT_S+16]),
			HITFromSlice(pkt[HIP_HIT_R:HIP_HIT_R+16]),
			len(pkt),
			pb.data, pb.tail)
		return

	case PKT_AH:

		if len(pkt) < AH_HDR_MIN_LEN {
			break
		}
		ss = fmt.Sprintf("AH  spi(0x%08x) seq(%v)  len(%v)  data/tail(%v/%v)",
			be.Uint32(pkt[AH_SPI:AH_SPI+4]),
			be.Uint32(pkt[AH_SEQ:AH_SEQ+4]),
			len(pkt),
			pb.data, pb.tail)
		return

	case PKT_FRAME:

		if len(pkt) < ETHER_HDR_LEN {
			break
		}
		ss = fmt.Sprintf("FRAME  %v  %v  type(0x%04x)  len(%v)  data/tail(%v/%v)",
			MACFromSlice(pkt[ETHER_DST_MAC:]),
			MACFromSlice(pkt[ETHER_SRC_MAC:]),
			be.Uint16(pkt[ETHER_TYPE:ETHER_TYPE+2]),
			len(pkt),
			pb.data, pb.tail)
		return
	}

	ss = fmt.Sprintf("PKT  type(%02x)  short  data/tail(%v/%v)", pb.typ, pb.data, pb.tail)
	return
}

func (pb *PktBuf) pp_raw(pfx string) {

	// RAW  45 00 00 74 2e 52 40 00 40 33 d0 b6 0a fb 1b 6f c0 a8 54 5e 04 ..

	const max = 128 + 32
	var sb strings.Builder

	pkt := pb.pkt[pb.data:pb.tail]
	sb.WriteString(pfx)
	sb.WriteString("RAW ")
	for ii := 0; ii < len(pkt); ii++ {
		if ii < max {
			sb.WriteString(" ")
			sb.WriteString(hex.EncodeToString(pkt[ii : ii+1]))
		} else {
			sb.WriteString("  ..")
			break
		}
	}
	log.trace(sb.String())
}

var be = binary.BigEndian

var getbuf chan (*PktBuf)
var retbuf chan (*PktBuf)

/* Buffer allocator

We use getbuf channel of length 1. As soon as it gets empty we try to put
a packet into it.  We try to get it from the retbuf but if not availale we
allocate a new one but no more than maxbuf in total.
*/

func pkt_buffers() {

	var pb *PktBuf
	allocated := 0 // num of allocated buffers

	log.debug("pkt: packet buflen(%v)", cli.pktbuflen)

	for {

		if allocated < cli.maxbuf {
			select {
			case pb = <-retbuf:
				pb.clear()
			default:
				pb = &PktBuf{pkt: make([]byte, cli.pktbuflen, cli.pktbuflen)}
				allocated += 1
				log.debug("pkt: new PktBuf allocated, total(%v)", allocated)
				if allocated%10 == 0 {
					log.info("pkt: buffer allocation: %v of %v", allocated, cli.maxbuf)
				}
			}
		} else {
			log.fatal("pkt: out of buffers, max buffers allocated: %v of %v", allocated, cli.maxbuf)
		}

		getbuf <- pb
	}
}
