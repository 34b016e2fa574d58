package sandbox

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Decoder is created once; zstd.Decoder is safe for concurrent DecodeAll.
var (
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
	zstdDecoderOnce sync.Once
)

func decoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

// LoadModule reads a codec module from disk. Files starting with the zstd
// frame magic (typically *.wasm.zst) are decompressed.
func LoadModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return DecodeModule(data)
}

// DecodeModule returns the raw wasm bytes of a possibly zstd-compressed
// module.
func DecodeModule(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := decoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress module: %w", err)
	}
	return raw, nil
}

// Digest is the hex blake3 digest of raw module bytes.
func Digest(module []byte) string {
	sum := blake3.Sum256(module)
	return hex.EncodeToString(sum[:])
}

func verifyDigest(module []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := Digest(module); got != want {
		return fmt.Errorf("module digest %s does not match pinned %s", got, want)
	}
	return nil
}
