package controlgrpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName names the custom grpc wire codec this service registers.
// Every message this package defines is a plain Go struct exchanged
// between a meshd node and a Go control client built against this
// same package (never a cross-ecosystem client), so
// encoding/gob is the right choice here for the same reason every
// feature package already gives for using it over the wire: an
// internal, same-version, Go-to-Go contract with no foreign-language
// consumer to satisfy. A real protobuf codec would need .pb.go types
// a protoc run produces, which this exercise cannot do (see DESIGN.md).
const codecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("controlgrpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("controlgrpc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
