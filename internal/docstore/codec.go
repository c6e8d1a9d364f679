package docstore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// Chunk payloads are CBOR with deterministic encoding so identical chunks
// produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("docstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("docstore: CBOR decoder initialization failed: " + err.Error())
	}
}

const (
	codecRaw = 0
	codecLZ4 = 1
)

var errIncompressible = errors.New("incompressible")

// compressCheckpoint returns the stored form of a checkpoint and the
// codec it was written with. Small or incompressible content stays raw.
func compressCheckpoint(content []byte) ([]byte, int, error) {
	if len(content) < 256 {
		return content, codecRaw, nil
	}
	packed, err := compressLZ4(content)
	if errors.Is(err, errIncompressible) {
		return content, codecRaw, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return packed, codecLZ4, nil
}

func decompressCheckpoint(stored []byte, codec, size int) ([]byte, error) {
	switch codec {
	case codecRaw:
		return stored, nil
	case codecLZ4:
		return decompressLZ4(stored, size)
	default:
		return nil, fmt.Errorf("unsupported checkpoint codec: %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}
