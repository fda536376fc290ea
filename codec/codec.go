// Package codec centralizes payload encoding for document messages and
// export artifacts.
//
// Codec selection is a compatibility boundary: artifacts record the codec
// name, and bytes written by one codec only decode with the same codec.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// This is used for self-describing artifact formats that store the codec
// name alongside the payload.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "zstd+json":
		return Zstd{Inner: JSON{}}, true
	case "lz4+json":
		return LZ4{Inner: JSON{}}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}

// Default is the codec used when none is configured.
//
// NOTE: This affects newly-written artifacts. Existing artifacts are
// self-describing and are opened by selecting the codec by name.
var Default Codec = JSON{}
