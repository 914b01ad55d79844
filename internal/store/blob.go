package store

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// State blobs carry multi-kilobyte DOM snapshots, so larger documents are
// lz4 block-compressed before hitting the database. Framing: 8-byte magic
// + 4-byte LE uint32 uncompressed size + lz4 block data. Small or
// incompressible payloads are stored raw; JSON never begins with the
// magic, so the prefix is an unambiguous discriminator.
var blobMagic = []byte("caLz40\x00\x00")

const (
	blobHeaderSize  = 12 // 8 magic + 4 size
	minCompressSize = 512
)

func encodeBlob(raw []byte) []byte {
	if len(raw) < minCompressSize {
		return raw
	}

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 || n >= len(raw) {
		// Incompressible; keep raw.
		return raw
	}

	out := make([]byte, 0, blobHeaderSize+n)
	out = append(out, blobMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(raw)))
	out = append(out, dst[:n]...)
	return out
}

func decodeBlob(data []byte) ([]byte, error) {
	if len(data) < blobHeaderSize || string(data[:len(blobMagic)]) != string(blobMagic) {
		return data, nil
	}

	size := binary.LittleEndian.Uint32(data[8:blobHeaderSize])
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[blobHeaderSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return dst[:n], nil
}
