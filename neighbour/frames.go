package neighbour

import (
	"encoding/binary"
	"time"

	"github.com/meshd/meshd/internal/envelope"
	"github.com/meshd/meshd/internal/errdefs"
	"github.com/meshd/meshd/internal/secure"
)

// Neighbour control frames are opaque to the data-plane forwarder
// (§6: "Neighbour control frames carry no meaning to the forwarder;
// their body is opaque to it and defined by C2."). Wire format: byte
// 0 is always envelope.NeighbourControlTag, byte 1 is the control
// subtype below, the rest is subtype-specific.
type controlSubtype byte

const (
	subtypeConnectRequest controlSubtype = iota
	subtypeConnectResponse
	subtypePing
	subtypePong
	subtypeGoodbye
)

type connectRequestFrame struct{ req secure.ConnectRequest }
type connectResponseFrame struct{ resp secure.ConnectResponse }
type pingFrame struct{ nonce uint64 }
type pongFrame struct {
	nonce  uint64
	sentAt time.Time
}
type goodbyeFrame struct{}

func encodeConnectRequest(req secure.ConnectRequest) []byte {
	buf := make([]byte, 2+8+32+32)
	buf[0], buf[1] = envelope.NeighbourControlTag, byte(subtypeConnectRequest)
	binary.BigEndian.PutUint64(buf[2:10], req.Session)
	copy(buf[10:42], req.EphemeralPub[:])
	copy(buf[42:74], req.AuthTag[:])
	return buf
}

func encodeRetryRequest(c *Connection) ([]byte, error) {
	req := secure.MakeConnectRequest(c.authKey, c.localSession, c.eph)
	return encodeConnectRequest(req), nil
}

func encodeConnectResponse(resp secure.ConnectResponse) []byte {
	buf := make([]byte, 2+8+1+32+32)
	buf[0], buf[1] = envelope.NeighbourControlTag, byte(subtypeConnectResponse)
	binary.BigEndian.PutUint64(buf[2:10], resp.Session)
	buf[10] = byte(resp.Result)
	copy(buf[11:43], resp.EphemeralPub[:])
	copy(buf[43:75], resp.AuthTag[:])
	return buf
}

func encodePing(now time.Time) []byte {
	buf := make([]byte, 2+8)
	buf[0], buf[1] = envelope.NeighbourControlTag, byte(subtypePing)
	binary.BigEndian.PutUint64(buf[2:10], uint64(now.UnixNano()))
	return buf
}

func encodePong(nonce uint64) []byte {
	buf := make([]byte, 2+8)
	buf[0], buf[1] = envelope.NeighbourControlTag, byte(subtypePong)
	binary.BigEndian.PutUint64(buf[2:10], nonce)
	return buf
}

func encodeGoodbye() []byte {
	return []byte{envelope.NeighbourControlTag, byte(subtypeGoodbye)}
}

func decodeControlFrame(raw []byte) (any, error) {
	if len(raw) < 2 || raw[0] != envelope.NeighbourControlTag {
		return nil, errdefs.Decode("neighbour.decodeControlFrame", errNotControlFrame{})
	}
	body := raw[2:]
	switch controlSubtype(raw[1]) {
	case subtypeConnectRequest:
		if len(body) < 8+32+32 {
			return nil, errdefs.Decode("neighbour.decodeControlFrame", errShortFrame{})
		}
		var req secure.ConnectRequest
		req.Session = binary.BigEndian.Uint64(body[0:8])
		copy(req.EphemeralPub[:], body[8:40])
		copy(req.AuthTag[:], body[40:72])
		return connectRequestFrame{req: req}, nil
	case subtypeConnectResponse:
		if len(body) < 8+1+32+32 {
			return nil, errdefs.Decode("neighbour.decodeControlFrame", errShortFrame{})
		}
		var resp secure.ConnectResponse
		resp.Session = binary.BigEndian.Uint64(body[0:8])
		resp.Result = secure.HandshakeResult(body[8])
		copy(resp.EphemeralPub[:], body[9:41])
		copy(resp.AuthTag[:], body[41:73])
		return connectResponseFrame{resp: resp}, nil
	case subtypePing:
		if len(body) < 8 {
			return nil, errdefs.Decode("neighbour.decodeControlFrame", errShortFrame{})
		}
		return pingFrame{nonce: binary.BigEndian.Uint64(body[0:8])}, nil
	case subtypePong:
		if len(body) < 8 {
			return nil, errdefs.Decode("neighbour.decodeControlFrame", errShortFrame{})
		}
		nonce := binary.BigEndian.Uint64(body[0:8])
		return pongFrame{nonce: nonce, sentAt: time.Unix(0, int64(nonce))}, nil
	case subtypeGoodbye:
		return goodbyeFrame{}, nil
	default:
		return nil, errdefs.Decode("neighbour.decodeControlFrame", errNotControlFrame{})
	}
}

type errNotControlFrame struct{}

func (errNotControlFrame) Error() string { return "neighbour: not a neighbour-control frame" }

type errShortFrame struct{}

func (errShortFrame) Error() string { return "neighbour: control frame shorter than expected" }
