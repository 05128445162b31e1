package cache

import "github.com/klauspost/compress/zstd"

// Codec turns values into compressed bytes and back, enabling cold-tier
// compression for value types that support it.
type Codec[V any] interface {
	Compress(v V) ([]byte, error)
	Decompress(data []byte) (V, error)
}

// ZstdCodec compresses raw byte values with zstd. One encoder/decoder
// pair is shared; both are safe for concurrent use via EncodeAll and
// DecodeAll.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec at the default compression level.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

// Compress implements Codec.
func (c *ZstdCodec) Compress(v []byte) ([]byte, error) {
	return c.enc.EncodeAll(v, nil), nil
}

// Decompress implements Codec.
func (c *ZstdCodec) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

// Close releases the encoder resources.
func (c *ZstdCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}
