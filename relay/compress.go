package relay

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionZstd is the sink compression setting that enables zstd frames
const CompressionZstd = "zstd"

// zstdTransformer compresses the output of another transformer. EncodeAll
// and DecodeAll are safe for concurrent use, so one coder serves all workers.
type zstdTransformer struct {
	inner Transformer
	enc   *zstd.Encoder
}

// NewZstdTransformer wraps inner so every payload is one zstd frame.
func NewZstdTransformer(inner Transformer) (Transformer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &zstdTransformer{inner: inner, enc: enc}, nil
}

func (z *zstdTransformer) Transform(event ChangeEvent) ([]byte, error) {
	data, err := z.inner.Transform(event)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

var zstdDecoder, _ = zstd.NewReader(nil)

// Decompress reverses a zstd payload, for consumers and tests.
func Decompress(payload []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

func wrapCompression(kind string, t Transformer) (Transformer, error) {
	switch kind {
	case "":
		return t, nil
	case CompressionZstd:
		return NewZstdTransformer(t)
	default:
		return nil, fmt.Errorf("unknown compression: %s", kind)
	}
}
