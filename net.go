/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"encoding/hex"
	"errors"
	"net/netip"
	"strings"
)

type IP netip.Addr // backbone locator; Zone() must be ""

// Tests if the IP is equal to the zero-initialized value. This is distinct from
// the zero IP address (eg. 0.0.0.0).
func (ip IP) IsZero() bool {
	return ip == IP{}
}

func (ip IP) String() string {

	if ip.IsZero() {
		return "(uninitialized)"
	}
	return netip.Addr(ip).String()
}

func ParseIP(s string) (IP, error) {

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return IP{}, err
	}
	if ip.Zone() != "" {
		return IP{}, errors.New("IP address may not have zone")
	}
	return IP(ip), nil
}

func MustParseIP(s string) IP {

	ip, err := ParseIP(s)
	if err != nil {
		log.fatal("invalid IP address: %v", s)
	}
	return ip
}

// The slice must be 4 or 16 bytes
func IPFromSlice(ip []byte) IP {

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		panic("invalid IP address")
	}
	return IP(addr)
}

func (ip IP) AsSlice() []byte {

	if ip.IsZero() {
		panic("uninitialized")
	}
	return netip.Addr(ip).AsSlice()
}

func (ip IP) Is4() bool {
	return netip.Addr(ip).Is4()
}

type MAC [6]byte // ethernet address of a host fronted by a peer router

func (mac MAC) String() string {

	var sb strings.Builder
	for ii, b := range mac {
		if ii != 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

func ParseMAC(s string) (mac MAC, err error) {

	toks := strings.Split(strings.TrimSpace(s), ":")
	if len(toks) != 6 {
		return mac, errors.New("invalid MAC address")
	}
	for ii, tok := range toks {
		b, err := hex.DecodeString(tok)
		if err != nil || len(b) != 1 {
			return mac, errors.New("invalid MAC address")
		}
		mac[ii] = b[0]
	}
	return mac, nil
}

func MustParseMAC(s string) MAC {

	mac, err := ParseMAC(s)
	if err != nil {
		log.fatal("invalid MAC address: %v", s)
	}
	return mac
}

func MACFromSlice(bs []byte) (mac MAC) {

	if len(bs) < 6 {
		panic("invalid MAC address")
	}
	copy(mac[:], bs)
	return
}

func (mac MAC) IsMulticast() bool {
	return mac[0]&1 != 0
}
