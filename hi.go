/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"github.com/fsnotify/fsnotify"
	"io"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

/* Host identities

The router owns one host identity, an RSA keypair loaded from a PEM file at
startup. Peers are configured statically in the peer table file: one line per
peer giving its HIT, its backbone locator and the MAC addresses of the hosts
it fronts. Peer public keys are not configured; they arrive in the HOST_ID
parameter during the base exchange and are accepted only if they hash to the
configured HIT.

The peer table file is watched for changes and reloaded with a debounce, the
new table is handed to the forwarder over a channel so the live table is only
ever swapped between packets.
*/

const (
	DEBOUNCE = time.Duration(4765 * time.Millisecond) // [s] file event debounce time

	hit_context = "hip-vpls orchid context"
)

type HIT [16]byte

func (hit HIT) String() string {
	return netip.AddrFrom16(hit).String()
}

func (hit HIT) IsZero() bool {
	return hit == HIT{}
}

func HITFromSlice(bs []byte) (hit HIT) {

	if len(bs) < 16 {
		panic("invalid HIT")
	}
	copy(hit[:], bs)
	return
}

func ParseHIT(s string) (HIT, error) {

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return HIT{}, err
	}
	return HIT(addr.As16()), nil
}

func MustParseHIT(s string) HIT {

	hit, err := ParseHIT(s)
	if err != nil {
		log.fatal("invalid HIT: %v", s)
	}
	return hit
}

// numeric comparison, big-endian: -1, 0, 1
func hit_cmp(a, b HIT) int {
	return bytes.Compare(a[:], b[:])
}

// Serialize an RSA public key the way it goes on the wire in HOST_ID: DNSSEC
// style RDATA, exponent length followed by exponent followed by modulus.
func rsa_rdata(pub *rsa.PublicKey) []byte {

	eb := big.NewInt(int64(pub.E)).Bytes()
	var out []byte
	if len(eb) < 256 {
		out = append(out, byte(len(eb)))
	} else {
		out = append(out, 0)
		out = append(out, byte(len(eb)>>8), byte(len(eb)))
	}
	out = append(out, eb...)
	out = append(out, pub.N.Bytes()...)
	return out
}

func rsa_from_rdata(rdata []byte) (*rsa.PublicKey, bool) {

	if len(rdata) < 3 {
		return nil, false
	}
	elen := int(rdata[0])
	off := 1
	if elen == 0 {
		elen = int(be.Uint16(rdata[1:3]))
		off = 3
	}
	if elen == 0 || len(rdata) < off+elen+1 {
		return nil, false
	}
	e := new(big.Int).SetBytes(rdata[off : off+elen])
	if !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31 {
		return nil, false
	}
	n := new(big.Int).SetBytes(rdata[off+elen:])
	if n.BitLen() < 1024 {
		return nil, false
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, true
}

// Derive the host identity tag from a public key: ORCHID prefix 2001:20::/28,
// OGA id 3 (SHA-256 truncation), then 96 bits of the context tagged hash of
// the key's RDATA form.
func hit_of(pub *rsa.PublicKey) (hit HIT) {

	digest := hash_sum([]byte(hit_context), rsa_rdata(pub))
	hit[0] = 0x20
	hit[1] = 0x01
	hit[2] = 0x00
	hit[3] = 0x23 // low nibble is the OGA id
	copy(hit[4:], digest[:12])
	return
}

type PeerRec struct {
	hit       HIT
	locator   IP
	macs      []MAC
	pubkey    *rsa.PublicKey // learned from HOST_ID during BEX, nil until then
	last_seen IP             // locator the peer last talked from
}

type HostIdentity struct {
	key *rsa.PrivateKey
	hit HIT
}

var local_hi HostIdentity

func load_identity(path string) {

	pemdata, err := os.ReadFile(path)
	if err != nil {
		log.fatal("hi: cannot read identity file %v: %v", path, err)
	}

	block, _ := pem.Decode(pemdata)
	if block == nil {
		log.fatal("hi: identity file %v is not PEM", path)
	}

	var key *rsa.PrivateKey
	if key, err = x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		anykey, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			log.fatal("hi: cannot parse identity key: %v", err)
		}
		var ok bool
		if key, ok = anykey.(*rsa.PrivateKey); !ok {
			log.fatal("hi: identity key is not RSA")
		}
	}

	local_hi.key = key
	local_hi.hit = hit_of(&key.PublicKey)

	log.info("hi: local identity %v (%v bit RSA)", local_hi.hit, key.N.BitLen())
}

/* Peer table

One record per line:

    hit  locator  mac[,mac...]

Comment lines start with '#'. The same format is also accepted with the MAC
list omitted, which configures a peer that fronts no local hosts yet (it may
still initiate toward us).
*/

func parse_peers_file(fname string, input io.Reader) map[HIT]*PeerRec {

	peers := make(map[HIT]*PeerRec)
	line_scanner := bufio.NewScanner(input)
	lno := 0

	for line_scanner.Scan() {

		lno += 1

		line := line_scanner.Text()
		if ix := strings.Index(line, "#"); ix >= 0 {
			line = line[:ix]
		}
		toks := strings.Fields(line)
		if len(toks) == 0 {
			continue
		}
		if len(toks) < 2 {
			log.err("peers: %v(%v): missing locator", fname, lno)
			continue
		}

		hit, err := ParseHIT(toks[0])
		if err != nil {
			log.err("peers: %v(%v): invalid HIT: %v", fname, lno, toks[0])
			continue
		}
		locator, err := ParseIP(toks[1])
		if err != nil {
			log.err("peers: %v(%v): invalid locator: %v", fname, lno, toks[1])
			continue
		}

		rec := &PeerRec{hit: hit, locator: locator}

		if len(toks) > 2 {
			bad := false
			for _, mtok := range strings.Split(toks[2], ",") {
				mac, err := ParseMAC(mtok)
				if err != nil {
					log.err("peers: %v(%v): invalid MAC: %v", fname, lno, mtok)
					bad = true
					break
				}
				rec.macs = append(rec.macs, mac)
			}
			if bad {
				continue
			}
		}

		if _, dup := peers[hit]; dup {
			log.err("peers: %v(%v): duplicate peer HIT: %v", fname, lno, hit)
			continue
		}
		peers[hit] = rec
	}

	return peers
}

// The live store, owned by the forwarder. Lookups run only on the forwarder
// goroutine; reloads arrive over peerq.
type PeerStore struct {
	by_hit map[HIT]*PeerRec
	by_mac map[MAC]HIT
}

func (ps *PeerStore) init() {
	ps.by_hit = make(map[HIT]*PeerRec)
	ps.by_mac = make(map[MAC]HIT)
}

func (ps *PeerStore) resolve_by_hit(hit HIT) *PeerRec {
	return ps.by_hit[hit]
}

func (ps *PeerStore) resolve_by_mac(mac MAC) (HIT, bool) {
	hit, ok := ps.by_mac[mac]
	return hit, ok
}

// Install a freshly parsed table. Learned public keys survive a reload as
// long as the peer's HIT is still configured.
func (ps *PeerStore) swap(peers map[HIT]*PeerRec) {

	for hit, rec := range peers {
		if old, ok := ps.by_hit[hit]; ok {
			rec.pubkey = old.pubkey
			rec.last_seen = old.last_seen
		} else if ip, ok := restored_locators[hit]; ok {
			rec.last_seen = ip
		}
	}

	ps.by_hit = peers
	ps.by_mac = make(map[MAC]HIT)
	for hit, rec := range peers {
		for _, mac := range rec.macs {
			ps.by_mac[mac] = hit
		}
	}

	log.info("peers: installed %v peer records", len(peers))
}

var peerq chan map[HIT]*PeerRec

func parse_peers(path string, timer *time.Timer) {

	fname := filepath.Base(path)

	for range timer.C {

		wholefile, err := os.ReadFile(path)
		if err != nil {
			log.err("peers watcher: cannot read file %v: %v", fname, err)
			continue
		}
		log.debug("peers watcher: parsing file: %v", fname)
		peers := parse_peers_file(fname, bytes.NewReader(wholefile))
		log.info("peers watcher: parsing file: %v: total number of peers: %v", fname, len(peers))

		peerq <- peers
	}
}

// watch the peer table for changes
func peers_watcher() {

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.fatal("peers watcher: cannot setup file watcher: %v", err)
	}

	timer := time.NewTimer(1) // parse immediately
	fname := filepath.Base(cli.peers)

	if err := watcher.Add(cli.peers); err != nil {
		log.fatal("peers watcher: cannot watch file %v: %v", fname, err)
	}
	go parse_peers(cli.peers, timer)
	log.info("peers watcher: watching file: %v", fname)

	for {
		select {
		case event := <-watcher.Events:
			log.debug("peers watcher: file changed: %v %v", fname, event.Op)
			timer.Stop()
			if (event.Op & fsnotify.Remove) != 0 {
				// re-install watcher (no need to remove first)
				if err := watcher.Add(event.Name); err != nil {
					log.fatal("peers watcher: cannot re-watch file: %v", fname)
				}
			}
			timer.Reset(DEBOUNCE)
		case err := <-watcher.Errors:
			log.err("peers watcher: file watch: %v", err)
		}
	}
}
