package fetch

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	_ "golang.org/x/image/webp"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decode turns an encoded tile into an image. MBTiles producers often store
// blobs gzip or zstd compressed, so those wrappers are stripped first.
func Decode(data []byte) (image.Image, error) {
	raw, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	return img, nil
}

func unwrap(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip tile: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, defaultMaxBytes)
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd tile: %w", err)
		}
		defer zr.Close()
		return readLimited(io.Reader(zr), defaultMaxBytes)
	}
	return data, nil
}
