package vpn

import (
	"crypto/cipher"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flowgate/internal/errors"
)

const construction = "flowgate tunnel v1 curve25519 chacha20poly1305 blake2s"

var initialChain = blake2s.Sum256([]byte(construction))

func newHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// kdf expands input under the chaining key into n 32-byte outputs.
func kdf(ck [32]byte, input []byte, n int) [][32]byte {
	r := hkdf.New(newHash, input, ck[:], nil)
	out := make([][32]byte, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			errors.Assert(false, "hkdf read: %v", err)
		}
	}
	return out
}

// mix folds input into the chaining key.
func mix(ck [32]byte, input []byte) [32]byte {
	return kdf(ck, input, 1)[0]
}

// mixKey folds input into the chaining key and also returns a message key.
func mixKey(ck [32]byte, input []byte) ([32]byte, [32]byte) {
	o := kdf(ck, input, 2)
	return o[0], o[1]
}

// dh returns the X25519 shared secret. Low-order points fail.
func dh(priv, pub wgtypes.Key) ([]byte, error) {
	s, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, errors.Wrap(errors.ErrAuthenticationFailure, errors.KindCrypto, "invalid public key")
	}
	return s, nil
}

func newAEAD(k [32]byte) cipher.AEAD {
	a, err := chacha20poly1305.New(k[:])
	errors.Assert(err == nil, "chacha20poly1305 key size: %v", err)
	return a
}

// nonceFor encodes a message counter as a 96-bit AEAD nonce.
func nonceFor(counter uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n[:]
}

func seal(k [32]byte, plaintext, aad []byte) []byte {
	return newAEAD(k).Seal(nil, nonceFor(0), plaintext, aad)
}

func open(k [32]byte, ciphertext, aad []byte) ([]byte, error) {
	pt, err := newAEAD(k).Open(nil, nonceFor(0), ciphertext, aad)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAuthenticationFailure, errors.KindCrypto, "handshake tag mismatch")
	}
	return pt, nil
}

// sessionKeys derives the transport keys of an epoch from the handshake's
// final chaining key. Both sides derive the same pair for the same epoch.
func sessionKeys(ck [32]byte, epoch uint32) (initiatorSend, responderSend [32]byte) {
	var e [4]byte
	binary.BigEndian.PutUint32(e[:], epoch)
	return mixKey(ck, e[:])
}

// keyset is one epoch's key in one direction.
type keyset struct {
	epoch   uint32
	aead    cipher.AEAD
	counter uint64
}

func newKeyset(epoch uint32, k [32]byte) *keyset {
	return &keyset{epoch: epoch, aead: newAEAD(k)}
}
