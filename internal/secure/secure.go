// Package secure implements the C10 cryptographic handshake and
// per-packet AEAD sealing: X25519 key agreement, HKDF-SHA256 key
// derivation, and AES-256-GCM sealing with a timestamp-suffixed
// nonce. Grounded on
// original_source/packages/network/src/secure/encryption/x25519_dalek_aes.rs.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/meshd/meshd/internal/errdefs"
)

// MaxNonceAge is how old a sealed packet's embedded timestamp may be
// before Open rejects it as replayed (§4.2: "decryption rejects
// packets older than 5 s").
const MaxNonceAge = 5 * time.Second

// NonceSize is the AES-GCM nonce length; the last 8 bytes are the
// sender's millisecond send-time, big-endian (§4.2/§6).
const NonceSize = 12

// StaticAuth is the out-of-band shared secret every handshake payload
// must include (§4.2: "StaticKeyAuthorization or similar").
type StaticAuth [32]byte

// HandshakeResult preserves all four outcomes from the source
// material per the Open Question in §9: do not collapse them before
// the wire.
type HandshakeResult int

const (
	HandshakeSuccess HandshakeResult = iota
	HandshakeRejected
	HandshakeDestinationError
	HandshakeAuthenticationError
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeSuccess:
		return "success"
	case HandshakeRejected:
		return "rejected"
	case HandshakeDestinationError:
		return "destination_error"
	case HandshakeAuthenticationError:
		return "authentication_error"
	default:
		return "unknown"
	}
}

// EphemeralKeyPair is one side's X25519 ephemeral key pair, generated
// fresh per connection attempt.
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateEphemeral creates a fresh X25519 key pair.
func GenerateEphemeral() (EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, errdefs.Fatal("secure.GenerateEphemeral", err)
	}
	// clamp per RFC 7748
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, errdefs.Fatal("secure.GenerateEphemeral", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the X25519 Diffie-Hellman step and derives an
// encrypt key for sending and a decrypt key for receiving via
// HKDF-SHA256, each side's role (committer vs non-committer)
// selecting which of the two derived sub-keys is "ours" to encrypt
// with. §4.2: "the responder commits first... both derive a shared
// secret and instantiate independent encrypt and decrypt contexts."
func SharedSecret(priv, peerPub [32]byte, committer bool) (ctx *Context, err error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, errdefs.Auth("secure.SharedSecret", err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte("meshd/neighbour-link/v1"))
	var keys [64]byte
	if _, err := kdf.Read(keys[:]); err != nil {
		return nil, errdefs.Fatal("secure.SharedSecret", err)
	}

	committerKey, nonCommitterKey := keys[:32], keys[32:]
	var encKey, decKey []byte
	if committer {
		encKey, decKey = committerKey, nonCommitterKey
	} else {
		encKey, decKey = nonCommitterKey, committerKey
	}

	enc, err := newAEAD(encKey)
	if err != nil {
		return nil, err
	}
	dec, err := newAEAD(decKey)
	if err != nil {
		return nil, err
	}
	return &Context{encrypt: enc, decrypt: dec}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.Fatal("secure.newAEAD", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Fatal("secure.newAEAD", err)
	}
	return aead, nil
}

// Context carries one connection's independent encrypt/decrypt AEAD
// handles (§4.2 "SecureContext"). It is cheap to copy by value handle
// (both fields are interfaces) so each data-plane worker can hold its
// own pinned Context per §5 "duplicated per worker, not shared
// mutably" without any shared mutable state.
type Context struct {
	encrypt cipher.AEAD
	decrypt cipher.AEAD
}

// Clone returns a Context sharing the same underlying AEAD instances.
// crypto/cipher.AEAD implementations are safe for concurrent read-only
// use (Seal/Open do not mutate the AEAD), so sharing across workers
// is safe provided each worker only ever calls Seal with its own
// monotonically-increasing send-time nonce.
func (c *Context) Clone() *Context {
	return &Context{encrypt: c.encrypt, decrypt: c.decrypt}
}

// Seal encrypts plaintext with associatedData (the envelope header
// bytes, §6) and a nonce whose low 4 bytes are zero and high 8 bytes
// are the current send-time in milliseconds, returning the 12-byte
// nonce prefix followed by ciphertext.
func (c *Context) Seal(plaintext, associatedData []byte) []byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], uint64(time.Now().UnixMilli()))
	sealed := c.encrypt.Seal(nil, nonce[:], plaintext, associatedData)
	out := make([]byte, NonceSize+len(sealed))
	copy(out, nonce[:])
	copy(out[NonceSize:], sealed)
	return out
}

// Open decrypts a buffer produced by Seal, rejecting it with
// errdefs.ClassAuth if the embedded timestamp is older than
// MaxNonceAge or the AEAD tag does not verify.
func (c *Context) Open(sealed, associatedData []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, errdefs.Auth("secure.Open", errShortCiphertext{})
	}
	nonce := sealed[:NonceSize]
	sentMs := binary.BigEndian.Uint64(nonce[4:])
	age := time.Since(time.UnixMilli(int64(sentMs)))
	if age > MaxNonceAge || age < -MaxNonceAge {
		return nil, errdefs.Auth("secure.Open", errTooOld{age: age})
	}

	pt, err := c.decrypt.Open(nil, nonce, sealed[NonceSize:], associatedData)
	if err != nil {
		return nil, errdefs.Auth("secure.Open", err)
	}
	return pt, nil
}

type errShortCiphertext struct{}

func (errShortCiphertext) Error() string { return "secure: ciphertext shorter than nonce" }

type errTooOld struct{ age time.Duration }

func (e errTooOld) Error() string { return "secure: TooOld: nonce timestamp outside replay window" }

