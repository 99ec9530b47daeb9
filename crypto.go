/* Copyright (c) 2025 hip-vpls project */

package main

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
)

/* Crypto primitives

All keyed operations in the router come down to HMAC-SHA-256. The base
exchange agrees on a shared secret via modp Diffie-Hellman (RFC 3526 group
14) and authenticates packets with RSA signatures over SHA-256. Direction
keys for the AH security associations are drawn from the shared secret with
an HMAC based KDF seeded with both HITs and a per-direction label.
*/

const (
	HMAC_LEN = 32 // HMAC-SHA-256
	ICV_LEN  = 32 // AH ICV carries the full HMAC-SHA-256 tag
	DH_GROUP_MODP_2048 = 3 // group id carried in the DIFFIE_HELLMAN parameter
	DH_LEN             = 256
	DH_EXP_LEN         = 32 // private exponent bytes
)

// RFC 3526 group 14 prime, generator 2
const modp2048_hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

var modp_p *big.Int
var modp_g = big.NewInt(2)

func init() {
	modp_p, _ = new(big.Int).SetString(modp2048_hex, 16)
}

func hash_sum(msgs ...[]byte) []byte {

	h := sha256.New()
	for _, msg := range msgs {
		h.Write(msg)
	}
	return h.Sum(nil)
}

func hmac_sum(key []byte, msgs ...[]byte) []byte {

	h := hmac.New(sha256.New, key)
	for _, msg := range msgs {
		h.Write(msg)
	}
	return h.Sum(nil)
}

func hmac_equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Generate a DH keypair. The public value is encoded big-endian, left padded
// to the group length.
func dh_keypair() (pub []byte, priv *big.Int) {

	expb := make([]byte, DH_EXP_LEN)
	if _, err := rand.Read(expb); err != nil {
		log.fatal("crypto: cannot generate DH exponent: %v", err)
	}
	expb[0] |= 0x40 // keep the exponent large
	priv = new(big.Int).SetBytes(expb)
	pub = dh_pad(new(big.Int).Exp(modp_g, priv, modp_p))
	return
}

// Compute the DH shared secret from our private exponent and the peer's
// public value.
func dh_shared(priv *big.Int, peer_pub []byte) ([]byte, bool) {

	peer := new(big.Int).SetBytes(peer_pub)
	if peer.Sign() <= 0 || peer.Cmp(modp_p) >= 0 {
		return nil, false
	}
	// reject the degenerate subgroup {1, p-1}
	one := big.NewInt(1)
	pm1 := new(big.Int).Sub(modp_p, one)
	if peer.Cmp(one) == 0 || peer.Cmp(pm1) == 0 {
		return nil, false
	}
	return dh_pad(new(big.Int).Exp(peer, priv, modp_p)), true
}

func dh_pad(v *big.Int) []byte {

	bs := v.Bytes()
	if len(bs) >= DH_LEN {
		return bs[len(bs)-DH_LEN:]
	}
	padded := make([]byte, DH_LEN)
	copy(padded[DH_LEN-len(bs):], bs)
	return padded
}

func rsa_sign(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hash_sum(msg))
}

func rsa_verify(pub *rsa.PublicKey, msg, sig []byte) bool {
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash_sum(msg), sig) == nil
}

const (
	KDF_LABEL_I2R = "hip-ah-key-i2r"
	KDF_LABEL_R2I = "hip-ah-key-r2i"
	KDF_LABEL_CTL = "hip-ctl-key"
)

// Derive the key material from the DH shared secret: one AH key per
// direction plus the shared control packet HMAC key. HITs are taken in role
// order (initiator first) so both ends derive identical keys.
func derive_keys(secret []byte, hit_i, hit_r HIT) (i2r, r2i, ctl []byte) {

	i2r = hmac_sum(secret, hit_i[:], hit_r[:], []byte(KDF_LABEL_I2R), []byte{1})
	r2i = hmac_sum(secret, hit_i[:], hit_r[:], []byte(KDF_LABEL_R2I), []byte{2})
	ctl = hmac_sum(secret, hit_i[:], hit_r[:], []byte(KDF_LABEL_CTL), []byte{3})
	return
}

func random_bytes(n int) []byte {

	bs := make([]byte, n)
	if _, err := rand.Read(bs); err != nil {
		log.fatal("crypto: cannot read random bytes: %v", err)
	}
	return bs
}

func random_u32() uint32 {
	return be.Uint32(random_bytes(4))
}
