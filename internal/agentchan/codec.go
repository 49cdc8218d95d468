// Package agentchan is the Agent Channel (AC, spec §2.2/§6): the transport
// VLW and TW use to drive the agent process running inside a VM. It speaks a
// single hand-rolled RPC over mTLS, the same credentials story as the
// teacher's pkg/api/pkg/client pairing, but with a gob-encoded envelope
// instead of protoc-generated messages, since there is no .proto source for
// this wire format to regenerate from.
package agentchan

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding registry and must match the
// content-subtype grpc uses to pick a codec for a call.
const codecName = "gob"

// Envelope is the single wire message every AC method sends and receives.
// Op names one of the RPCs below; Payload carries the gob-encoded
// request/response specific to that op.
type Envelope struct {
	Op      string
	Payload []byte
}

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("agentchan: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("agentchan: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// EncodePayload gob-encodes a typed request/response into an Envelope's
// Payload field.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("agentchan: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodePayload(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("agentchan: decode payload: %w", err)
	}
	return nil
}
