// Package crypto — key-agreement capability objects for circuit construction.
//
// tor-spec.txt defines two circuit-level handshakes a client can offer: the
// legacy TAP (RSA1024 + DH1024) handshake and the current NTOR
// (curve25519 + HKDF-SHA256) handshake. Both are modeled here as the same
// two-method capability: produce client handshake bytes, then complete the
// handshake against the server's response to yield a shared secret.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - TAP handshake mandates RSA-OAEP-SHA1 (tor-spec.txt 5.1.3)
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HandshakeType identifies which circuit-level key-agreement protocol a hop uses.
type HandshakeType uint16

// Handshake types, or.h ONION_HANDSHAKE_TYPE_*. FAST exists in the protocol
// but this client never negotiates it.
const (
	HandshakeTAP  HandshakeType = 0x0000
	HandshakeNTOR HandshakeType = 0x0002
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeTAP:
		return "TAP"
	case HandshakeNTOR:
		return "NTOR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// KeyAgreement is the client half of a circuit-level handshake. Created once
// per hop, it is idempotent: HandshakeBytes returns the same bytes on every
// call until Complete succeeds.
type KeyAgreement interface {
	// HandshakeBytes returns the client handshake material to embed in a
	// CREATE2 or RELAY_EXTEND2 cell.
	HandshakeBytes() ([]byte, error)
	// Complete verifies the server's response and derives the shared secret.
	// Returns ErrHandshakeVerification if the response does not verify.
	Complete(serverBytes []byte) ([]byte, error)
}

// ErrHandshakeVerification is returned by Complete when the server's
// handshake response fails verification (NTOR auth tag mismatch, TAP server
// DH value outside the range 1..p-1).
var ErrHandshakeVerification = fmt.Errorf("handshake verification failed")

// RouterHandshakeInfo is the subset of a router descriptor a KeyAgreement
// needs: its identity fingerprint and the public key(s) for the requested
// handshake type.
type RouterHandshakeInfo struct {
	IdentityFingerprint [20]byte
	NtorOnionKey        [32]byte // curve25519 public key, ntor handshake
	TAPOnionKeyN        *big.Int // RSA1024 modulus, TAP handshake
	TAPOnionKeyE        int      // RSA1024 exponent, TAP handshake
}

// NewKeyAgreement builds the client half of the requested handshake for router.
func NewKeyAgreement(handshakeType HandshakeType, router RouterHandshakeInfo) (KeyAgreement, error) {
	switch handshakeType {
	case HandshakeNTOR:
		return newNtorAgreement(router)
	case HandshakeTAP:
		return newTapAgreement(router)
	default:
		return nil, fmt.Errorf("crypto: unsupported handshake type %s", handshakeType)
	}
}

// --- NTOR -------------------------------------------------------------

type ntorAgreement struct {
	router    RouterHandshakeInfo
	ephemeral *NtorKeyPair
	bytes     []byte
}

func newNtorAgreement(router RouterHandshakeInfo) (*ntorAgreement, error) {
	ephemeral, err := GenerateNtorKeyPair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ntor ephemeral key: %w", err)
	}
	return &ntorAgreement{router: router, ephemeral: ephemeral}, nil
}

// HandshakeBytes implements KeyAgreement. tor-spec.txt 5.1.4: NODEID | KEYID | CLIENT_PK.
func (n *ntorAgreement) HandshakeBytes() ([]byte, error) {
	if n.bytes != nil {
		return n.bytes, nil
	}
	buf := make([]byte, 20+32+32)
	copy(buf[0:20], n.router.IdentityFingerprint[:])
	copy(buf[20:52], n.router.NtorOnionKey[:])
	copy(buf[52:84], n.ephemeral.Public[:])
	n.bytes = buf
	return buf, nil
}

// Complete implements KeyAgreement. response is SERVER_PK(32) || AUTH(32)
// as delivered in CREATED2/RELAY_EXTENDED2, per tor-spec.txt 5.1.4.
func (n *ntorAgreement) Complete(response []byte) ([]byte, error) {
	if len(response) != 64 {
		return nil, fmt.Errorf("crypto: ntor response must be 64 bytes, got %d", len(response))
	}

	var serverY, auth [32]byte
	copy(serverY[:], response[0:32])
	copy(auth[:], response[32:64])

	var sharedXY, sharedXB [32]byte
	curve25519.ScalarMult(&sharedXY, &n.ephemeral.Private, &serverY)
	curve25519.ScalarMult(&sharedXB, &n.ephemeral.Private, &n.router.NtorOnionKey)

	// secret_input = EXP(Y,x) | EXP(B,x) | ID | B | X | Y | PROTOID, tor-spec.txt 5.1.4
	protoid := []byte("ntor-curve25519-sha256-1")
	secretInput := make([]byte, 0, 32*5+20+len(protoid))
	secretInput = append(secretInput, sharedXY[:]...)
	secretInput = append(secretInput, sharedXB[:]...)
	secretInput = append(secretInput, n.router.IdentityFingerprint[:]...)
	secretInput = append(secretInput, n.router.NtorOnionKey[:]...)
	secretInput = append(secretInput, n.ephemeral.Public[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, protoid...)

	verifyInfo := []byte("ntor-curve25519-sha256-1:verify")
	hVerify := hkdf.New(sha256.New, secretInput, nil, verifyInfo)
	expectedAuth := make([]byte, 32)
	if _, err := io.ReadFull(hVerify, expectedAuth); err != nil {
		return nil, fmt.Errorf("crypto: derive ntor verify key: %w", err)
	}
	if !constantTimeCompare(auth[:], expectedAuth) {
		return nil, ErrHandshakeVerification
	}

	keyInfo := []byte("ntor-curve25519-sha256-1:key_extract")
	hKey := hkdf.New(sha256.New, secretInput, nil, keyInfo)
	keyMaterial := make([]byte, 72)
	if _, err := io.ReadFull(hKey, keyMaterial); err != nil {
		return nil, fmt.Errorf("crypto: derive ntor key material: %w", err)
	}
	return keyMaterial, nil
}

// --- TAP (legacy) -------------------------------------------------------

// tapDHPrime is the 1024-bit Oakley group 2 modulus tor-spec.txt mandates
// for the TAP handshake (tor-spec.txt 0.3, "the second Oakley group").
var tapDHPrime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF",
	16)

var tapDHGenerator = big.NewInt(2)

type tapAgreement struct {
	router  RouterHandshakeInfo
	private *big.Int
	public  *big.Int
	bytes   []byte
}

func newTapAgreement(router RouterHandshakeInfo) (*tapAgreement, error) {
	if router.TAPOnionKeyN == nil {
		return nil, fmt.Errorf("crypto: TAP handshake requires router RSA onion key")
	}
	priv, err := rand.Int(rand.Reader, tapDHPrime)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate TAP DH private key: %w", err)
	}
	pub := new(big.Int).Exp(tapDHGenerator, priv, tapDHPrime)
	return &tapAgreement{router: router, private: priv, public: pub}, nil
}

// HandshakeBytes implements KeyAgreement. tor-spec.txt 5.1.3: the client's
// DH public value, RSA-OAEP hybrid-encrypted to the router's onion key.
func (t *tapAgreement) HandshakeBytes() ([]byte, error) {
	if t.bytes != nil {
		return t.bytes, nil
	}
	dhBytes := t.public.Bytes()
	padded := make([]byte, 128)
	copy(padded[128-len(dhBytes):], dhBytes)

	pub := &rsa.PublicKey{N: t.router.TAPOnionKeyN, E: t.router.TAPOnionKeyE}
	// #nosec G401 - RSA-OAEP-SHA1 mandated by the TAP handshake (tor-spec.txt 5.1.3)
	encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, padded, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: TAP hybrid encrypt: %w", err)
	}
	t.bytes = encrypted
	return encrypted, nil
}

// Complete implements KeyAgreement. response is the router's DH public value
// (128 bytes) per tor-spec.txt 5.1.3's CREATED/CREATED2 payload.
func (t *tapAgreement) Complete(response []byte) ([]byte, error) {
	if len(response) < 128 {
		return nil, fmt.Errorf("crypto: TAP response must be at least 128 bytes, got %d", len(response))
	}
	serverPublic := new(big.Int).SetBytes(response[:128])
	if serverPublic.Sign() <= 0 || serverPublic.Cmp(tapDHPrime) >= 0 {
		return nil, ErrHandshakeVerification
	}

	shared := new(big.Int).Exp(serverPublic, t.private, tapDHPrime)
	secretBytes := shared.Bytes()

	keyMaterial, err := DeriveKey(secretBytes, 72)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive TAP key material: %w", err)
	}
	return keyMaterial, nil
}
