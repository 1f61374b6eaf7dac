package czi

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"scenesplit/internal/volume"
)

// zstd1 header chunk carrying the hi/lo byte packing flag.
const zstd1ChunkPacking = 1

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

func bytesPerPixel(pixelType int32) (int, error) {
	switch pixelType {
	case PixelGray8:
		return 1, nil
	case PixelGray16:
		return 2, nil
	case PixelGray32Float:
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported pixel type %d", pixelType)
	}
}

func volumePixelType(pixelType int32) volume.PixelType {
	switch pixelType {
	case PixelGray8:
		return volume.PixelUint8
	case PixelGray32Float:
		return volume.PixelFloat32
	default:
		return volume.PixelUint16
	}
}

func supportedCompression(c int32) bool {
	switch c {
	case CompressionNone, CompressionZstd0, CompressionZstd1:
		return true
	}
	return false
}

// decodePayload returns the little-endian pixel bytes of a subblock.
func decodePayload(raw []byte, compression int32, bpp int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return raw, nil
	case CompressionZstd0:
		return decompress(raw)
	case CompressionZstd1:
		return decodeZstd1(raw, bpp)
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

func decompress(raw []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// decodeZstd1 handles the zstd1 framing: a length-prefixed header of typed
// chunks followed by a zstd frame. Chunk type 1 signals that 16-bit data was
// stored as all low bytes followed by all high bytes.
func decodeZstd1(raw []byte, bpp int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("zstd1 payload is empty")
	}
	headerSize := int(raw[0])
	if headerSize < 1 || headerSize > len(raw) {
		return nil, fmt.Errorf("zstd1 header size %d out of range", headerSize)
	}
	hiLo := false
	for pos := 1; pos < headerSize; {
		switch raw[pos] {
		case zstd1ChunkPacking:
			if pos+1 >= headerSize {
				return nil, fmt.Errorf("zstd1 packing chunk truncated")
			}
			hiLo = raw[pos+1]&1 == 1
			pos += 2
		default:
			return nil, fmt.Errorf("zstd1 header has unknown chunk type %d", raw[pos])
		}
	}
	out, err := decompress(raw[headerSize:])
	if err != nil {
		return nil, err
	}
	if hiLo {
		if bpp != 2 {
			return nil, fmt.Errorf("hi/lo packing requires 16-bit pixels")
		}
		out, err = unpackHiLo(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// unpackHiLo interleaves a low-byte half and a high-byte half back into
// little-endian 16-bit samples.
func unpackHiLo(packed []byte) ([]byte, error) {
	if len(packed)%2 != 0 {
		return nil, fmt.Errorf("hi/lo packed length %d is odd", len(packed))
	}
	n := len(packed) / 2
	out := make([]byte, len(packed))
	for i := 0; i < n; i++ {
		out[2*i] = packed[i]
		out[2*i+1] = packed[n+i]
	}
	return out, nil
}
