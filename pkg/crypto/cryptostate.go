package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" // #nosec G505 - relay digest mandated SHA-1 by tor-spec.txt 5.5/6.1
	"fmt"
	"hash"

	"github.com/opd-ai/go-tor/pkg/cell"
)

// CryptoState is the per-hop symmetric state derived after a handshake
// completes: an AES-128-CTR forward/backward stream cipher pair plus a
// running SHA-1 digest per direction, per tor-spec.txt 5.2/6.1. It mutates
// the relay cell payload supplied to EncryptForward/DecryptBackward in
// place, matching the mutate-in-place contract the circuit core's onion
// layering depends on.
type CryptoState struct {
	forwardCipher  cipher.Stream
	backwardCipher cipher.Stream
	forwardDigest  hash.Hash
	backwardDigest hash.Hash
}

// NewCryptoState builds the forward/backward keys and digest seeds from
// keyMaterial. Input of 72 bytes or more (as returned by KeyAgreement.Complete)
// is split directly; shorter input is first expanded to 72 bytes with
// DeriveKey (KDF-TOR, tor-spec.txt 5.2.2).
func NewCryptoState(keyMaterial []byte) (*CryptoState, error) {
	// Tor's KDF-TOR layout for circuit keys: Df(20) | Db(20) | Kf(16) | Kb(16) = 72 bytes.
	if len(keyMaterial) < 72 {
		derived, err := DeriveKey(keyMaterial, 72)
		if err != nil {
			return nil, fmt.Errorf("crypto: derive circuit keys: %w", err)
		}
		keyMaterial = derived
	}

	dfSeed := keyMaterial[0:20]
	dbSeed := keyMaterial[20:40]
	kf := keyMaterial[40:56]
	kb := keyMaterial[56:72]

	forwardDigest := sha1.New() // #nosec G401
	forwardDigest.Write(dfSeed)
	backwardDigest := sha1.New() // #nosec G401
	backwardDigest.Write(dbSeed)

	forwardBlock, err := aes.NewCipher(kf)
	if err != nil {
		return nil, fmt.Errorf("crypto: forward AES cipher: %w", err)
	}
	backwardBlock, err := aes.NewCipher(kb)
	if err != nil {
		return nil, fmt.Errorf("crypto: backward AES cipher: %w", err)
	}

	// tor-spec.txt 5.2.2: AES-CTR with an all-zero IV; the stream cipher's
	// running state, not the IV, provides per-cell uniqueness.
	zeroIV := make([]byte, aes.BlockSize)
	return &CryptoState{
		forwardCipher:  cipher.NewCTR(forwardBlock, zeroIV),
		backwardCipher: cipher.NewCTR(backwardBlock, zeroIV),
		forwardDigest:  forwardDigest,
		backwardDigest: backwardDigest,
	}, nil
}

// EncryptForward onion-encrypts one layer of an outbound relay cell in
// place: it stamps the running forward digest into the cell's digest field,
// then applies the forward stream cipher to the whole payload.
// tor-spec.txt 5.5.2.1.
func (cs *CryptoState) EncryptForward(payload []byte) error {
	if len(payload) < cell.RelayCellHeaderLen {
		return fmt.Errorf("crypto: relay payload too short to encrypt: %d", len(payload))
	}
	zeroed := make([]byte, len(payload))
	copy(zeroed, payload)
	zeroed[5], zeroed[6], zeroed[7], zeroed[8] = 0, 0, 0, 0

	cs.forwardDigest.Write(zeroed)
	sum := cs.forwardDigest.Sum(nil)
	copy(payload[5:9], sum[:4])

	cs.forwardCipher.XORKeyStream(payload, payload)
	return nil
}

// DecryptBackward removes one onion layer from an inbound relay cell in
// place and reports whether this hop's running digest recognises the cell
// (i.e. the Recognized field decodes to zero and the digest matches) —
// the signal the circuit core uses to stop peeling at the right hop.
// tor-spec.txt 5.5, 6.1.
func (cs *CryptoState) DecryptBackward(payload []byte) (recognized bool, err error) {
	if len(payload) < cell.RelayCellHeaderLen {
		return false, fmt.Errorf("crypto: relay payload too short to decrypt: %d", len(payload))
	}
	cs.backwardCipher.XORKeyStream(payload, payload)

	recog := payload[1:3]
	if recog[0] != 0 || recog[1] != 0 {
		return false, nil
	}

	var digest [4]byte
	copy(digest[:], payload[5:9])
	zeroed := make([]byte, len(payload))
	copy(zeroed, payload)
	zeroed[5], zeroed[6], zeroed[7], zeroed[8] = 0, 0, 0, 0

	// Digest check is computed against a saved copy of the running hash so a
	// non-matching cell (belonging to a deeper hop) does not corrupt this
	// hop's digest state for the next cell.
	probe := cloneHash(cs.backwardDigest)
	probe.Write(zeroed)
	expected := probe.Sum(nil)
	if expected[0] != digest[0] || expected[1] != digest[1] || expected[2] != digest[2] || expected[3] != digest[3] {
		return false, nil
	}

	cs.backwardDigest = probe
	return true, nil
}

// cloneHash copies a hash.Hash's internal state when it supports it
// (crypto/sha1's implementation does, via encoding.BinaryMarshaler).
func cloneHash(h hash.Hash) hash.Hash {
	type binaryMarshaler interface {
		MarshalBinary() ([]byte, error)
	}
	type binaryUnmarshaler interface {
		UnmarshalBinary([]byte) error
	}
	bm, ok := h.(binaryMarshaler)
	if !ok {
		return h
	}
	state, err := bm.MarshalBinary()
	if err != nil {
		return h
	}
	clone := sha1.New() // #nosec G401
	if bu, ok := clone.(binaryUnmarshaler); ok {
		_ = bu.UnmarshalBinary(state)
	}
	return clone
}
