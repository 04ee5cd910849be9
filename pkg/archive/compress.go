package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type Compression string

const (
	CompressionNone  = Compression("none")
	CompressionGzip  = Compression("gzip")
	CompressionZstd  = Compression("zstd")
	CompressionBzip2 = Compression("bzip2")
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	bzip2Magic = []byte("BZh")
	// first block header, or end of stream for an empty bzip2 stream
	bzip2BlockMagic = []byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}
	bzip2EOSMagic   = []byte{0x17, 0x72, 0x45, 0x38, 0x50, 0x90}
)

// sniffSize covers the longest signature checked by detectCompression.
const sniffSize = 10

func isBzip2(magic []byte) bool {
	if len(magic) < sniffSize || !bytes.HasPrefix(magic, bzip2Magic) {
		return false
	}
	if magic[3] < '1' || magic[3] > '9' {
		return false
	}
	return bytes.Equal(magic[4:10], bzip2BlockMagic) || bytes.Equal(magic[4:10], bzip2EOSMagic)
}

func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd, CompressionBzip2:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Ext returns the file name suffix of a tarball with this compression.
func (c Compression) Ext() string {
	switch c {
	case CompressionGzip:
		return ".tar.gz"
	case CompressionZstd:
		return ".tar.zst"
	case CompressionBzip2:
		return ".tar.bz2"
	default:
		return ".tar"
	}
}

func detectCompression(magic []byte) Compression {
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(magic, zstdMagic):
		return CompressionZstd
	case isBzip2(magic):
		return CompressionBzip2
	default:
		return CompressionNone
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// decompress sniffs the first bytes of r and wraps it with the matching
// decompressor. errEmpty is returned for a stream without any byte.
func decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(sniffSize)
	if len(magic) == 0 {
		if err == nil || err == io.EOF {
			return nil, "", errEmpty
		}
		return nil, "", err
	}

	c := detectCompression(magic)
	switch c {
	case CompressionGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, err
		}
		return gr, c, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, c, err
		}
		return zstdReadCloser{zr}, c, nil
	case CompressionBzip2:
		bzr, err := bzip2.NewReader(br, nil)
		if err != nil {
			return nil, c, err
		}
		return bzr, c, nil
	default:
		return io.NopCloser(br), c, nil
	}
}

// NewWriter wraps w with a compressor for c. Closing the returned writer
// does not close w.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionBzip2:
		return bzip2.NewWriter(w, nil)
	case "", CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
