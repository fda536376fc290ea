package codec

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Zstd compresses the inner codec's output with zstd. Good ratio, suited to
// cold export artifacts.
type Zstd struct {
	Inner Codec
}

func (c Zstd) inner() Codec {
	if c.Inner == nil {
		return JSON{}
	}
	return c.Inner
}

// Marshal encodes the value with the inner codec and compresses the result.
func (c Zstd) Marshal(v any) ([]byte, error) {
	data, err := c.inner().Marshal(v)
	if err != nil {
		return nil, err
	}

	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	return enc.EncodeAll(data, nil), nil
}

// Unmarshal decompresses the data and decodes it with the inner codec.
func (c Zstd) Unmarshal(data []byte, v any) error {
	dec := getZstdDecoder()
	defer putZstdDecoder(dec)

	decoded, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return c.inner().Unmarshal(decoded, v)
}

// Name returns the unique name of the codec.
func (c Zstd) Name() string { return "zstd+" + c.inner().Name() }

// lz4Header prefixes every LZ4 payload.
// Format: [UncompressedSize uint32][CompressedSize uint32][Data...]
// If CompressedSize == 0, the payload is stored uncompressed.
const lz4HeaderSize = 8

// LZ4 compresses the inner codec's output with LZ4 block compression. Fast,
// suited to hot message payloads.
type LZ4 struct {
	Inner Codec
}

func (c LZ4) inner() Codec {
	if c.Inner == nil {
		return JSON{}
	}
	return c.Inner
}

// Marshal encodes the value with the inner codec and compresses the result.
// Incompressible payloads are stored uncompressed behind the same header.
func (c LZ4) Marshal(v any) ([]byte, error) {
	data, err := c.inner().Marshal(v)
	if err != nil {
		return nil, err
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}

	if n == 0 || n >= len(data) {
		// Incompressible
		result := make([]byte, lz4HeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[lz4HeaderSize:], data)
		return result, nil
	}

	result := make([]byte, lz4HeaderSize+n)
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(n))
	copy(result[lz4HeaderSize:], compressed[:n])
	return result, nil
}

// Unmarshal decompresses the data and decodes it with the inner codec.
func (c LZ4) Unmarshal(data []byte, v any) error {
	if len(data) < lz4HeaderSize {
		return errors.New("payload too small for lz4 header")
	}

	uncompressedSize := binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		if uint32(len(data)) < lz4HeaderSize+uncompressedSize {
			return errors.New("lz4 payload truncated")
		}
		return c.inner().Unmarshal(data[lz4HeaderSize:lz4HeaderSize+uncompressedSize], v)
	}

	if uint32(len(data)) < lz4HeaderSize+compressedSize {
		return errors.New("lz4 payload truncated")
	}

	decoded := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[lz4HeaderSize:lz4HeaderSize+compressedSize], decoded)
	if err != nil {
		return err
	}
	if uint32(n) != uncompressedSize {
		return errors.New("lz4 decompressed size mismatch")
	}
	return c.inner().Unmarshal(decoded, v)
}

// Name returns the unique name of the codec.
func (c LZ4) Name() string { return "lz4+" + c.inner().Name() }
