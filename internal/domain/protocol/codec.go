package protocol

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
)

// Codec converts envelopes to and from transport frames.
type Codec interface {
	// Name is the WebSocket subprotocol that selects this codec.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Envelope, error)
}

// Subprotocol names
const (
	SubprotocolJSON = "skykernel.json"
	SubprotocolCBOR = "skykernel.cbor"
)

var (
	// JSON is the default text codec.
	JSON Codec = jsonCodec{}
	// CBOR is the binary codec. Byte strings in data survive unchanged.
	CBOR Codec = newCBORCodec()
)

// CodecFor returns the codec registered for a subprotocol, defaulting to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(env)
}

func (jsonCodec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode json envelope: %w", err)
	}
	return env, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(env Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c cborCodec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := c.dec.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode cbor envelope: %w", err)
	}
	return env, nil
}
