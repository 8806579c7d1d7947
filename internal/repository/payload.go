package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payload encodings stored alongside each event.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// payloadCodec compresses event payloads at or above threshold bytes.
// A threshold <= 0 stores every payload as plain JSON.
type payloadCodec struct {
	threshold int
}

func (c payloadCodec) encode(payload json.RawMessage) ([]byte, string) {
	if c.threshold <= 0 || len(payload) < c.threshold {
		return payload, EncodingJSON
	}
	compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(compressed) >= len(payload) {
		return payload, EncodingJSON
	}
	return compressed, EncodingZstd
}

func (c payloadCodec) decode(data []byte, encoding string) (json.RawMessage, error) {
	switch encoding {
	case "", EncodingJSON:
		if len(data) == 0 {
			return nil, nil
		}
		return json.RawMessage(data), nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		return json.RawMessage(out), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
