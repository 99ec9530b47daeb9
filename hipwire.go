/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"crypto/rsa"
	"errors"
)

/* HIP control packet codec

RFC 7401 framing: a 40 byte fixed header followed by parameter TLVs. Each
TLV is {type(2), length(2), value} padded with zeros to the next 8 byte
boundary. Parameters appear in ascending type order. The HMAC parameter
covers the packet up to but not including itself, the SIGNATURE parameter
covers the packet up to and including HMAC; for both, the coverage is taken
with the checksum field zeroed and the header length field set to the length
of the covered prefix.

The checksum is the Internet checksum over an IPv4 pseudo header (src, dst,
zero, protocol 139, length) and the whole HIP packet with the checksum field
zeroed.
*/

const (
	// packet types
	HIP_I1        = 1
	HIP_R1        = 2
	HIP_I2        = 3
	HIP_R2        = 4
	HIP_UPDATE    = 16
	HIP_NOTIFY    = 17
	HIP_CLOSE     = 18
	HIP_CLOSE_ACK = 19

	// parameter types, ascending
	PARAM_ESP_INFO       = 65
	PARAM_R1_COUNTER     = 129
	PARAM_PUZZLE         = 257
	PARAM_SOLUTION       = 321
	PARAM_DIFFIE_HELLMAN = 513
	PARAM_HIP_TRANSFORM  = 579
	PARAM_HOST_ID        = 705
	PARAM_ECHO_REQUEST   = 897 // signed variant, covered by HMAC and SIGNATURE
	PARAM_ECHO_RESPONSE  = 961
	PARAM_ESP_TRANSFORM  = 4095
	PARAM_HMAC           = 61505
	PARAM_HIP_SIGNATURE  = 61697

	// transform suite ids
	SUITE_HMAC_SHA256 = 1

	HIP_MAX_LEN = 2008 // (255+1)*8, limit of the 8-bit header length field
)

type PuzzleParam struct {
	k        byte
	lifetime byte
	opaque   uint16
	i        [8]byte
}

type SolutionParam struct {
	k      byte
	opaque uint16
	i      [8]byte
	j      [8]byte
}

type EspInfoParam struct {
	keymat  uint16
	old_spi uint32
	new_spi uint32
}

type DhParam struct {
	group byte
	pub   []byte
}

type CtlPkt struct {
	typ   byte
	hit_s HIT
	hit_r HIT

	esp_info      *EspInfoParam
	r1_counter    uint64
	has_r1_counter bool
	puzzle        *PuzzleParam
	solution      *SolutionParam
	dh            *DhParam
	hip_transform []uint16
	esp_transform []uint16
	host_id       []byte // raw RDATA
	hmac          []byte
	sig           []byte
	echo_req      []byte
	echo_resp     []byte

	hmac_off int // offset of the HMAC TLV, 0 if absent
	sig_off  int // offset of the SIGNATURE TLV, 0 if absent
	raw      []byte
}

func tlv_padded(vlen int) int {
	return (4 + vlen + 7) &^ 7
}

// Internet checksum helpers, not inverted
func csum_add(csum uint16, buf []byte) uint16 {

	sum := uint32(csum)

	for ix := 0; ix+1 < len(buf); ix += 2 {
		sum += uint32(be.Uint16(buf[ix : ix+2]))
	}
	if len(buf)&1 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return uint16(sum)
}

func hip_checksum(pkt []byte, src, dst IP) uint16 {

	var pseudo [12]byte
	copy(pseudo[0:4], src.AsSlice())
	copy(pseudo[4:8], dst.AsSlice())
	pseudo[9] = PROTO_HIP
	be.PutUint16(pseudo[10:12], uint16(len(pkt)))

	csum := csum_add(0, pseudo[:])
	csum = csum_add(csum, pkt[:HIP_CSUM])
	csum = csum_add(csum, pkt[HIP_CSUM+2:])
	return csum ^ 0xffff
}

// The byte string a keyed parameter at offset off covers: the header with
// the checksum zeroed and the length field rewritten for the covered prefix,
// then all parameters before off.
func hip_coverage(pkt []byte, off int) []byte {

	cov := make([]byte, off)
	copy(cov, pkt[:off])
	cov[HIP_HDRLEN] = byte((off - 8) / 8)
	cov[HIP_CSUM] = 0
	cov[HIP_CSUM+1] = 0
	return cov
}

func parse_ctl(pkt []byte, src, dst IP) (*CtlPkt, error) {

	if len(pkt) < HIP_HDR_LEN {
		return nil, malformed("control packet too short")
	}
	if pkt[HIP_NEXT] != HIP_NEXT_NONE {
		return nil, malformed("unexpected next header")
	}
	if pkt[HIP_VER]>>4 != HIP_VERSION {
		return nil, malformed("unsupported version")
	}
	if pkt[HIP_TYPE]&0x80 != 0 {
		return nil, malformed("reserved type bit set")
	}
	plen := (int(pkt[HIP_HDRLEN]) + 1) * 8
	if plen != len(pkt) {
		return nil, malformed("length field does not match packet length")
	}
	if hip_checksum(pkt, src, dst) != be.Uint16(pkt[HIP_CSUM:HIP_CSUM+2]) {
		return nil, malformed("bad checksum")
	}

	cp := &CtlPkt{
		typ:   pkt[HIP_TYPE] & 0x7f,
		hit_s: HITFromSlice(pkt[HIP_HIT_S : HIP_HIT_S+16]),
		hit_r: HITFromSlice(pkt[HIP_HIT_R : HIP_HIT_R+16]),
		raw:   pkt,
	}

	off := HIP_HDR_LEN
	prev := -1

	for off < len(pkt) {

		if len(pkt)-off < 4 {
			return nil, malformed("truncated parameter")
		}
		ptype := int(be.Uint16(pkt[off : off+2]))
		vlen := int(be.Uint16(pkt[off+2 : off+4]))
		if off+tlv_padded(vlen) > len(pkt) {
			return nil, malformed("parameter overruns packet")
		}
		if ptype <= prev {
			return nil, malformed("parameters out of order")
		}
		prev = ptype
		val := pkt[off+4 : off+4+vlen]

		switch ptype {

		case PARAM_ESP_INFO:

			if vlen != 12 {
				return nil, malformed("bad ESP_INFO length")
			}
			cp.esp_info = &EspInfoParam{
				keymat:  be.Uint16(val[2:4]),
				old_spi: be.Uint32(val[4:8]),
				new_spi: be.Uint32(val[8:12]),
			}

		case PARAM_R1_COUNTER:

			if vlen != 12 {
				return nil, malformed("bad R1_COUNTER length")
			}
			cp.r1_counter = be.Uint64(val[4:12])
			cp.has_r1_counter = true

		case PARAM_PUZZLE:

			if vlen != 12 {
				return nil, malformed("bad PUZZLE length")
			}
			pz := &PuzzleParam{k: val[0], lifetime: val[1], opaque: be.Uint16(val[2:4])}
			copy(pz.i[:], val[4:12])
			cp.puzzle = pz

		case PARAM_SOLUTION:

			if vlen != 20 {
				return nil, malformed("bad SOLUTION length")
			}
			sol := &SolutionParam{k: val[0], opaque: be.Uint16(val[2:4])}
			copy(sol.i[:], val[4:12])
			copy(sol.j[:], val[12:20])
			cp.solution = sol

		case PARAM_DIFFIE_HELLMAN:

			if vlen < 3 {
				return nil, malformed("bad DIFFIE_HELLMAN length")
			}
			publen := int(be.Uint16(val[1:3]))
			if publen == 0 || 3+publen != vlen {
				return nil, malformed("bad DIFFIE_HELLMAN public value length")
			}
			cp.dh = &DhParam{group: val[0], pub: val[3 : 3+publen]}

		case PARAM_HIP_TRANSFORM:

			if vlen == 0 || vlen&1 != 0 || vlen > 12 {
				return nil, malformed("bad HIP_TRANSFORM length")
			}
			for ii := 0; ii < vlen; ii += 2 {
				cp.hip_transform = append(cp.hip_transform, be.Uint16(val[ii:ii+2]))
			}

		case PARAM_ESP_TRANSFORM:

			// carried for compatibility, selection never acted on
			if vlen < 2 || vlen&1 != 0 {
				return nil, malformed("bad ESP_TRANSFORM length")
			}
			for ii := 2; ii < vlen; ii += 2 {
				cp.esp_transform = append(cp.esp_transform, be.Uint16(val[ii:ii+2]))
			}

		case PARAM_HOST_ID:

			if vlen < 8 {
				return nil, malformed("bad HOST_ID length")
			}
			hilen := int(be.Uint16(val[0:2]))
			alg := be.Uint16(val[4:6])
			if alg != 5 { // RSA
				return nil, malformed("unsupported HOST_ID algorithm")
			}
			if 6+hilen > vlen {
				return nil, malformed("HOST_ID overruns parameter")
			}
			cp.host_id = val[6 : 6+hilen]

		case PARAM_HMAC:

			if vlen != HMAC_LEN {
				return nil, malformed("bad HMAC length")
			}
			cp.hmac = val
			cp.hmac_off = off

		case PARAM_HIP_SIGNATURE:

			if vlen < 3 {
				return nil, malformed("bad SIGNATURE length")
			}
			cp.sig = val[2:]
			cp.sig_off = off

		case PARAM_ECHO_REQUEST:

			cp.echo_req = val

		case PARAM_ECHO_RESPONSE:

			cp.echo_resp = val

		default:

			if ptype&1 != 0 {
				return nil, malformed("unknown critical parameter")
			}
			// unknown non-critical, skip
		}

		off += tlv_padded(vlen)
	}

	return cp, nil
}

// Verify the HMAC parameter against the coverage rule. Constant time tag
// comparison.
func (cp *CtlPkt) verify_hmac(key []byte) bool {

	if cp.hmac == nil {
		return false
	}
	tag := hmac_sum(key, hip_coverage(cp.raw, cp.hmac_off))
	return hmac_equal(tag, cp.hmac)
}

/* Serializer */

type CtlBuilder struct {
	buf  []byte
	prev int
}

func ctl_new(typ byte, hit_s, hit_r HIT) *CtlBuilder {

	b := &CtlBuilder{buf: make([]byte, HIP_HDR_LEN, 512), prev: -1}
	b.buf[HIP_NEXT] = HIP_NEXT_NONE
	b.buf[HIP_TYPE] = typ
	b.buf[HIP_VER] = HIP_VERSION<<4 | 1
	copy(b.buf[HIP_HIT_S:], hit_s[:])
	copy(b.buf[HIP_HIT_R:], hit_r[:])
	return b
}

func (b *CtlBuilder) add_param(ptype uint16, val []byte) {

	if int(ptype) <= b.prev {
		log.fatal("hipwire: parameter %v added out of order", ptype)
	}
	b.prev = int(ptype)

	var tl [4]byte
	be.PutUint16(tl[0:2], ptype)
	be.PutUint16(tl[2:4], uint16(len(val)))
	b.buf = append(b.buf, tl[:]...)
	b.buf = append(b.buf, val...)
	for len(b.buf)&7 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *CtlBuilder) add_esp_info(keymat uint16, old_spi, new_spi uint32) {

	var val [12]byte
	be.PutUint16(val[2:4], keymat)
	be.PutUint32(val[4:8], old_spi)
	be.PutUint32(val[8:12], new_spi)
	b.add_param(PARAM_ESP_INFO, val[:])
}

func (b *CtlBuilder) add_r1_counter(ctr uint64) {

	var val [12]byte
	be.PutUint64(val[4:12], ctr)
	b.add_param(PARAM_R1_COUNTER, val[:])
}

func (b *CtlBuilder) add_puzzle(k, lifetime byte, opaque uint16, i []byte) {

	var val [12]byte
	val[0] = k
	val[1] = lifetime
	be.PutUint16(val[2:4], opaque)
	copy(val[4:12], i)
	b.add_param(PARAM_PUZZLE, val[:])
}

func (b *CtlBuilder) add_solution(k byte, opaque uint16, i, j []byte) {

	var val [20]byte
	val[0] = k
	be.PutUint16(val[2:4], opaque)
	copy(val[4:12], i)
	copy(val[12:20], j)
	b.add_param(PARAM_SOLUTION, val[:])
}

func (b *CtlBuilder) add_dh(group byte, pub []byte) {

	val := make([]byte, 3+len(pub))
	val[0] = group
	be.PutUint16(val[1:3], uint16(len(pub)))
	copy(val[3:], pub)
	b.add_param(PARAM_DIFFIE_HELLMAN, val)
}

func (b *CtlBuilder) add_hip_transform(suites ...uint16) {

	val := make([]byte, len(suites)*2)
	for ii, s := range suites {
		be.PutUint16(val[ii*2:], s)
	}
	b.add_param(PARAM_HIP_TRANSFORM, val)
}

func (b *CtlBuilder) add_esp_transform(suites ...uint16) {

	val := make([]byte, 2+len(suites)*2)
	for ii, s := range suites {
		be.PutUint16(val[2+ii*2:], s)
	}
	b.add_param(PARAM_ESP_TRANSFORM, val)
}

func (b *CtlBuilder) add_host_id(rdata []byte) {

	val := make([]byte, 6+len(rdata))
	be.PutUint16(val[0:2], uint16(len(rdata)))
	be.PutUint16(val[2:4], 0) // DI type none, DI length 0
	be.PutUint16(val[4:6], 5) // RSA
	copy(val[6:], rdata)
	b.add_param(PARAM_HOST_ID, val)
}

func (b *CtlBuilder) add_echo_request(opaque []byte) {
	b.add_param(PARAM_ECHO_REQUEST, opaque)
}

func (b *CtlBuilder) add_echo_response(opaque []byte) {
	b.add_param(PARAM_ECHO_RESPONSE, opaque)
}

// Append the HMAC parameter covering everything added so far.
func (b *CtlBuilder) seal_hmac(key []byte) {
	b.add_param(PARAM_HMAC, hmac_sum(key, hip_coverage(b.buf, len(b.buf))))
}

// Append the SIGNATURE parameter covering everything added so far, HMAC
// included.
func (b *CtlBuilder) seal_sig(key *rsa.PrivateKey) error {

	sig, err := rsa_sign(key, hip_coverage(b.buf, len(b.buf)))
	if err != nil {
		return err
	}
	val := make([]byte, 2+len(sig))
	be.PutUint16(val[0:2], 5) // RSA
	copy(val[2:], sig)
	b.add_param(PARAM_HIP_SIGNATURE, val)
	return nil
}

// Finalize length and checksum. The returned slice is the complete packet.
func (b *CtlBuilder) finish(src, dst IP) ([]byte, error) {

	if len(b.buf) > HIP_MAX_LEN {
		return nil, errors.New("control packet too large")
	}
	b.buf[HIP_HDRLEN] = byte((len(b.buf) - 8) / 8)
	b.buf[HIP_CSUM] = 0
	b.buf[HIP_CSUM+1] = 0
	be.PutUint16(b.buf[HIP_CSUM:HIP_CSUM+2], hip_checksum(b.buf, src, dst))
	return b.buf, nil
}

// Verify the SIGNATURE parameter of a parsed packet.
func (cp *CtlPkt) verify_signature(rdata []byte) bool {

	if cp.sig == nil || cp.sig_off == 0 {
		return false
	}
	pub, ok := rsa_from_rdata(rdata)
	if !ok {
		return false
	}
	return rsa_verify(pub, hip_coverage(cp.raw, cp.sig_off), cp.sig)
}
