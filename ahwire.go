/* Copyright (c) 2025 hip-vpls project */

package main

/* AH datagram codec

RFC 4302 header carried directly in the backbone IP payload:

    next_header(1)  payload_len(1)  reserved(2)
    spi(4)
    seq(4)
    icv(icv_len)
    inner ethernet frame

payload_len counts the AH header in 32 bit words minus 2. The ICV length is
fixed by the negotiated transform and known at SA creation; this router
always carries the full HMAC-SHA-256 tag, 32 bytes.
*/

type AhHdr struct {
	next byte
	spi  uint32
	seq  uint32
	icv  []byte // slice into the datagram
}

func ah_hdr_len(icv_len int) int {
	return AH_HDR_MIN_LEN + icv_len
}

// Parse the AH header of a backbone datagram. The returned icv and payload
// alias the input.
func parse_ah(pkt []byte) (hdr AhHdr, payload []byte, err error) {

	if len(pkt) < AH_HDR_MIN_LEN {
		err = malformed("ah datagram too short")
		return
	}
	if pkt[AH_RESERVED] != 0 || pkt[AH_RESERVED+1] != 0 {
		err = malformed("ah reserved field not zero")
		return
	}
	hlen := (int(pkt[AH_PLDLEN]) + 2) * 4
	if hlen < AH_HDR_MIN_LEN || hlen > len(pkt) {
		err = malformed("ah length field out of range")
		return
	}
	icv_len := hlen - AH_HDR_MIN_LEN
	if icv_len&3 != 0 {
		err = malformed("ah icv not a multiple of 4")
		return
	}

	hdr.next = pkt[AH_NEXT]
	hdr.spi = be.Uint32(pkt[AH_SPI : AH_SPI+4])
	hdr.seq = be.Uint32(pkt[AH_SEQ : AH_SEQ+4])
	hdr.icv = pkt[AH_ICV : AH_ICV+icv_len]
	payload = pkt[hlen:]
	return
}

// Write an AH header into buf, ICV zeroed. buf must have room for
// ah_hdr_len(icv_len) bytes.
func write_ah_hdr(buf []byte, next byte, spi, seq uint32, icv_len int) {

	hlen := ah_hdr_len(icv_len)
	buf[AH_NEXT] = next
	buf[AH_PLDLEN] = byte(hlen/4 - 2)
	buf[AH_RESERVED] = 0
	buf[AH_RESERVED+1] = 0
	be.PutUint32(buf[AH_SPI:AH_SPI+4], spi)
	be.PutUint32(buf[AH_SEQ:AH_SEQ+4], seq)
	for ii := 0; ii < icv_len; ii++ {
		buf[AH_ICV+ii] = 0
	}
}

// The byte string the ICV covers: the AH header with the ICV field zeroed,
// then the payload. Allocates a copy, the datagram is left untouched.
func ah_coverage(pkt []byte, icv_len int) []byte {

	cov := make([]byte, len(pkt))
	copy(cov, pkt)
	for ii := 0; ii < icv_len; ii++ {
		cov[AH_ICV+ii] = 0
	}
	return cov
}
