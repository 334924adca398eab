package artifact

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compress reads the envelope from r and writes it to w compressed with c.
func Compress(c Compression, r io.Reader, w io.Writer) error {
	var zw io.WriteCloser
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		zw = enc
	case CompressionGzip:
		zw = gzip.NewWriter(w)
	default:
		return fmt.Errorf("unknown compression %s", c)
	}

	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing %s stream: %w", c, err)
	}
	return nil
}

// Decompress reads a stream compressed with c from r and writes the envelope to w.
// Corrupt compressed data is reported as ErrMalformed.
func Decompress(c Compression, r io.Reader, w io.Writer) error {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("%w: opening zstd stream: %v", ErrMalformed, err)
		}
		defer dec.Close()
		if _, err := io.Copy(w, dec); err != nil {
			return fmt.Errorf("%w: decompressing zstd: %v", ErrMalformed, err)
		}
		return nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("%w: opening gzip stream: %v", ErrMalformed, err)
		}
		defer zr.Close()
		if _, err := io.Copy(w, zr); err != nil {
			return fmt.Errorf("%w: decompressing gzip: %v", ErrMalformed, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown compression %s", c)
	}
}
