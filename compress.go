// Compression for catalog entries.
//
// Each serialised CollectionMetadata (§4.H: the collection descriptor with
// its index descriptors) is Zstd-compressed before being written into
// catalog pages and decompressed on read. The
// result stays raw bytes rather than ascii85-wrapped text, since catalog
// pages are binary, not line-delimited JSON.
package blite

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent use.
// Allocated once because zstd encoder/decoder construction is expensive
// (internal state tables, dictionaries); a collection's metadata is
// rewritten on every insert, update, delete and index change, so reusing
// one encoder avoids per-call setup cost on the write path.
var (
	schemaEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	schemaDecoder, _ = zstd.NewReader(nil)
)

// compressSchema returns data Zstd-compressed, or nil for empty input.
func compressSchema(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return schemaEncoder.EncodeAll(data, nil)
}

// decompressSchema reverses compressSchema.
func decompressSchema(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := schemaDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
	}
	return out, nil
}
