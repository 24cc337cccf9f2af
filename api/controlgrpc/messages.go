package controlgrpc

import "github.com/meshd/meshd/internal/nodeid"

// Every type below is one request/reply/event message of the
// NodeControlService, gob-encoded over the wire by gobCodec (see
// codec.go). Field names mirror the Control/Event struct each wraps
// one-for-one wherever that struct is already flat enough to cross a
// service boundary directly.

// Empty is returned by every fire-and-forget unary method.
type Empty struct{}

// EmitRequest wraps features/rpc.ControlEmit.
type EmitRequest struct {
	Dest    nodeid.ID
	Service byte
	Cmd     string
	Payload []byte
}

// RequestRequest wraps features/rpc.ControlRequest.
type RequestRequest struct {
	Dest      nodeid.ID
	Service   byte
	Cmd       string
	Payload   []byte
	TimeoutMs uint32
}

// RequestReply is the Answered/TimedOut outcome of a RequestRequest.
// TimedOut is true when no Answer arrived before TimeoutMs elapsed,
// in which case Payload/Err are both empty.
type RequestReply struct {
	Payload  []byte
	Err      string
	TimedOut bool
}

// RespondRequest wraps features/rpc.ControlRespond, answering a
// ReceivedEvent.IsRequest event surfaced by Listen.
type RespondRequest struct {
	ReqID        uint64
	ReplyNode    nodeid.ID
	ReplyService byte
	Cmd          string
	Payload      []byte
	Err          string
}

// ListenRequest opens the server-streaming feed of inbound
// features/rpc traffic (Emit/Request) this node receives.
type ListenRequest struct{}

// ReceivedEvent is one inbound Emit or Request.
type ReceivedEvent struct {
	FromNode    nodeid.ID
	FromService byte
	Cmd         string
	Payload     []byte
	ReqID       uint64
	IsRequest   bool
}

// PublishRequest wraps features/pubsub's PubData control for the
// channel this node itself originates.
type PublishRequest struct {
	Channel uint32
	Data    []byte
}

// SubscribeRequest opens the server-streaming feed of one channel's
// data published by Source (use Source == the calling node's own id
// to subscribe to a locally originated channel).
type SubscribeRequest struct {
	Channel uint32
	Source  nodeid.ID
}

// ChannelDataEvent is one piece of data a subscribed channel
// delivered.
type ChannelDataEvent struct {
	Source nodeid.ID
	Data   []byte
}

// FeedbackRequest wraps features/pubsub's reverse-channel Feedback
// control.
type FeedbackRequest struct {
	Channel    uint32
	Source     nodeid.ID
	Kind       byte
	Value      int64
	IntervalMs uint32
	TimeoutMs  uint32
}

// KVEntry is one sub-key/value pair of a dhtkv Map.
type KVEntry struct {
	Sub     uint64
	Version int64
	Value   []byte
}

// GetRequest wraps features/dhtkv's one-shot Get.
type GetRequest struct {
	Map       uint32
	TimeoutMs uint32
}

// GetReply is the outcome of a GetRequest.
type GetReply struct {
	Entries []KVEntry
	Err     string
}

// SetRequest wraps features/dhtkv's MapControlSet.
type SetRequest struct {
	Map   uint32
	Sub   uint64
	Value []byte
}

// DelRequest wraps features/dhtkv's MapControlDel.
type DelRequest struct {
	Map uint32
	Sub uint64
}

// SubscribeMapRequest opens the server-streaming feed of a Map's
// key-change events (MapControlSub under the hood).
type SubscribeMapRequest struct {
	Map uint32
}

// MapEventMsg is one dhtkv key change (Set or Del).
type MapEventMsg struct {
	Sub     uint64
	Version int64
	Value   []byte
	Deleted bool
}

// SendRequest wraps features/data's ControlSend, addressing a single
// node directly.
type SendRequest struct {
	Dest nodeid.ID
	Port uint16
	Data []byte
}

// DataListenRequest opens the server-streaming feed of datagrams
// arriving on Port.
type DataListenRequest struct {
	Port uint16
}

// RecvEvent is one datagram delivered to a listened-on port.
type RecvEvent struct {
	Port   uint16
	Source nodeid.ID
	Data   []byte
}

// PingRequest wraps features/data's liveness probe.
type PingRequest struct {
	Dest nodeid.ID
}

// PongReply is the outcome of a PingRequest.
type PongReply struct {
	RTTMs    int64
	Answered bool
}

// RegisterRequest wraps features/alias's ControlRegister.
type RegisterRequest struct {
	Alias   uint64
	Service byte
}

// UnregisterRequest wraps features/alias's ControlUnregister.
type UnregisterRequest struct {
	Alias uint64
}

// QueryRequest wraps features/alias's ControlQuery.
type QueryRequest struct {
	Alias     uint64
	Service   byte
	TimeoutMs uint32
}

// QueryReply is the outcome of a QueryRequest. Found is false when the
// query exhausted its hint-wait and scan phases with no answer.
type QueryReply struct {
	Found bool
	Node  nodeid.ID
	Kind  byte
}
