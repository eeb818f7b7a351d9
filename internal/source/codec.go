package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/presence/internal/config"
)

// Codec encodes sensor event payloads on the wire
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec returns the codec registered under name
func NewCodec(name string) (Codec, error) {
	switch name {
	case config.CodecJSON, "":
		return jsonCodec{}, nil
	case config.CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return config.CodecJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// msgpackCodec reuses the json struct tags so both codecs share one schema
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return config.CodecMsgpack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
