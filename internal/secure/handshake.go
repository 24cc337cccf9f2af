package secure

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/meshd/meshd/internal/errdefs"
)

// ConnectRequest is the outgoing side's first handshake message
// (§4.2): ephemeral public key plus an authentication tag proving
// knowledge of the shared static secret, without transmitting the
// secret itself.
type ConnectRequest struct {
	Session     uint64
	EphemeralPub [32]byte
	AuthTag      [32]byte
}

// ConnectResponse is the responder's reply. The responder "commits
// first" (§4.2): it fixes its own ephemeral key before it has seen
// proof the initiator will accept, so Result may be Rejected or one
// of the two error kinds instead of carrying a usable public key.
type ConnectResponse struct {
	Session      uint64
	Result       HandshakeResult
	EphemeralPub [32]byte
	AuthTag      [32]byte
}

// authTag computes an HMAC-SHA256 over the session and ephemeral
// public key, keyed by the static shared secret, binding the
// handshake message to both the out-of-band secret and this specific
// exchange (preventing replay across sessions).
func authTag(auth StaticAuth, session uint64, ephPub [32]byte) [32]byte {
	mac := hmac.New(sha256.New, auth[:])
	var sessionBytes [8]byte
	for i := range sessionBytes {
		sessionBytes[i] = byte(session >> (56 - 8*i))
	}
	mac.Write(sessionBytes[:])
	mac.Write(ephPub[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// MakeConnectRequest builds the initiator's first message.
func MakeConnectRequest(auth StaticAuth, session uint64, eph EphemeralKeyPair) ConnectRequest {
	return ConnectRequest{
		Session:      session,
		EphemeralPub: eph.Public,
		AuthTag:      authTag(auth, session, eph.Public),
	}
}

// VerifyConnectRequest checks the initiator's auth tag. A mismatch
// means the peer does not share our StaticKeyAuthorization secret
// and the handshake must be rejected (§4.2: "mismatch yields
// Rejected").
func VerifyConnectRequest(auth StaticAuth, req ConnectRequest) bool {
	want := authTag(auth, req.Session, req.EphemeralPub)
	return hmac.Equal(want[:], req.AuthTag[:])
}

// MakeConnectResponse builds the responder's reply once it has
// decided result; on HandshakeSuccess it also commits its own
// ephemeral key.
func MakeConnectResponse(auth StaticAuth, session uint64, result HandshakeResult, eph EphemeralKeyPair) ConnectResponse {
	resp := ConnectResponse{Session: session, Result: result}
	if result == HandshakeSuccess {
		resp.EphemeralPub = eph.Public
		resp.AuthTag = authTag(auth, session, eph.Public)
	}
	return resp
}

// VerifyConnectResponse checks the responder's auth tag on a
// successful response; the initiator must call this before trusting
// EphemeralPub for SharedSecret.
func VerifyConnectResponse(auth StaticAuth, resp ConnectResponse) error {
	if resp.Result != HandshakeSuccess {
		return errdefs.Auth("secure.VerifyConnectResponse", errHandshakeNotSuccess{result: resp.Result})
	}
	want := authTag(auth, resp.Session, resp.EphemeralPub)
	if !hmac.Equal(want[:], resp.AuthTag[:]) {
		return errdefs.Auth("secure.VerifyConnectResponse", errAuthTagMismatch{})
	}
	return nil
}

type errHandshakeNotSuccess struct{ result HandshakeResult }

func (e errHandshakeNotSuccess) Error() string { return "secure: handshake result is not success: " + e.result.String() }

type errAuthTagMismatch struct{}

func (errAuthTagMismatch) Error() string { return "secure: auth tag mismatch" }
