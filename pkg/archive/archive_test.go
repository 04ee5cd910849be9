package archive_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries() []archive.Entry {
	return []archive.Entry{
		{Name: "README.txt", Payload: []byte("salus firmware package")},
		{Name: "fw/image.ota", Payload: bytes.Repeat([]byte{0xa5}, 4096)},
		{Name: "empty", Payload: []byte{}},
		{Name: "notes.txt", Payload: bytes.Repeat([]byte("n"), 1000)},
	}
}

func buildArchive(t *testing.T, entries []archive.Entry, c archive.Compression) []byte {
	buf := &bytes.Buffer{}
	require.Nil(t, archive.Write(buf, entries, c))
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	for _, c := range []archive.Compression{archive.CompressionNone, archive.CompressionGzip, archive.CompressionZstd, archive.CompressionBzip2} {
		t.Run(string(c), func(t *testing.T) {
			expected := testEntries()
			raw := buildArchive(t, expected, c)

			entries, err := archive.Extract(context.Background(), bytes.NewReader(raw))
			require.Nil(t, err)
			require.Equal(t, len(expected), len(entries))
			for i := range expected {
				assert.Equal(t, expected[i].Name, entries[i].Name)
				assert.Equal(t, len(expected[i].Payload), len(entries[i].Payload))
				assert.Equal(t, expected[i].Payload, entries[i].Payload)
			}
		})
	}
}

func TestExtractEmptyArchive(t *testing.T) {
	raw := buildArchive(t, nil, archive.CompressionNone)
	entries, err := archive.Extract(context.Background(), bytes.NewReader(raw))
	assert.Nil(t, err)
	assert.Equal(t, 0, len(entries))
}

func TestExtractSkipsNonRegular(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	require.Nil(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "fw/", Mode: 0755}))
	require.Nil(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: "latest.ota", Linkname: "fw/image.ota"}))
	require.Nil(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "fw/image.ota", Mode: 0644, Size: 3}))
	_, err := tw.Write([]byte("ota"))
	require.Nil(t, err)
	require.Nil(t, tw.Close())

	entries, err := archive.Extract(context.Background(), buf)
	require.Nil(t, err)
	require.Equal(t, 1, len(entries))
	assert.Equal(t, "fw/image.ota", entries[0].Name)
	assert.Equal(t, []byte("ota"), entries[0].Payload)
}

func TestExtractCorrupt(t *testing.T) {
	raw := buildArchive(t, testEntries(), archive.CompressionNone)
	gz := buildArchive(t, testEntries(), archive.CompressionGzip)
	garbage := bytes.Repeat([]byte{0x42}, 2048)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty stream", []byte{}},
		{"truncated in entry data", raw[:1536+100]},
		{"truncated in header", raw[:1024+10]},
		{"missing end marker", raw[:len(raw)-1024]},
		{"half end marker", raw[:len(raw)-512]},
		{"garbage header", garbage},
		{"truncated gzip", gz[:len(gz)/2]},
		{"broken gzip", append([]byte{0x1f, 0x8b}, garbage...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := archive.Extract(context.Background(), bytes.NewReader(tt.raw))
			assert.Nil(t, entries)
			assert.True(t, errors.Is(err, archive.ErrCorrupt), "unexpected error %v", err)
		})
	}
}

func TestExtractMaxEntrySize(t *testing.T) {
	raw := buildArchive(t, testEntries(), archive.CompressionNone)

	entries, err := archive.Extract(context.Background(), bytes.NewReader(raw), archive.WithMaxEntrySize(1024))
	assert.Nil(t, entries)
	assert.True(t, errors.Is(err, archive.ErrCorrupt))

	entries, err = archive.Extract(context.Background(), bytes.NewReader(raw), archive.WithMaxEntrySize(4096))
	assert.Nil(t, err)
	assert.Equal(t, 4, len(entries))
}

func TestExtractSourceError(t *testing.T) {
	raw := buildArchive(t, testEntries(), archive.CompressionNone)
	errBoom := fmt.Errorf("connection reset")
	r := io.MultiReader(bytes.NewReader(raw[:1500]), iotest.ErrReader(errBoom))

	entries, err := archive.Extract(context.Background(), r)
	assert.Nil(t, entries)
	assert.True(t, errors.Is(err, errBoom))
	assert.False(t, errors.Is(err, archive.ErrCorrupt))
}

func TestExtractCanceled(t *testing.T) {
	raw := buildArchive(t, testEntries(), archive.CompressionNone)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries, err := archive.Extract(ctx, bytes.NewReader(raw))
	assert.Nil(t, entries)
	assert.True(t, errors.Is(err, context.Canceled))
}

type countingSource struct {
	r io.Reader
	n int
}

func (c *countingSource) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestWalkPullsOnDemand(t *testing.T) {
	entries := []archive.Entry{
		{Name: "a.bin", Payload: bytes.Repeat([]byte{1}, 8192)},
		{Name: "b.bin", Payload: bytes.Repeat([]byte{2}, 8192)},
		{Name: "c.bin", Payload: bytes.Repeat([]byte{3}, 8192)},
	}
	raw := buildArchive(t, entries, archive.CompressionNone)
	src := &countingSource{r: bytes.NewReader(raw)}

	names := []string{}
	consumed := []int{}
	err := archive.Walk(context.Background(), src, func(e archive.Entry) error {
		names = append(names, e.Name)
		consumed = append(consumed, src.n)
		return nil
	})
	require.Nil(t, err)
	assert.Equal(t, []string{"a.bin", "b.bin", "c.bin"}, names)
	assert.Less(t, consumed[0], len(raw))
	assert.Less(t, consumed[0], consumed[2])
	assert.Equal(t, len(raw), src.n)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	raw := buildArchive(t, testEntries(), archive.CompressionNone)
	errStop := errors.New("stop")
	calls := 0
	err := archive.Walk(context.Background(), bytes.NewReader(raw), func(e archive.Entry) error {
		calls++
		return errStop
	})
	assert.True(t, errors.Is(err, errStop))
	assert.Equal(t, 1, calls)
}

func TestParseCompression(t *testing.T) {
	c, err := archive.ParseCompression("")
	assert.Nil(t, err)
	assert.Equal(t, archive.CompressionNone, c)
	assert.Equal(t, ".tar", c.Ext())

	c, err = archive.ParseCompression("zstd")
	assert.Nil(t, err)
	assert.Equal(t, ".tar.zst", c.Ext())

	_, err = archive.ParseCompression("lz4")
	assert.NotNil(t, err)
}

func TestExtractPlainTarLookingLikeBzip2(t *testing.T) {
	expected := []archive.Entry{
		{Name: "BZh_notes.txt", Payload: []byte("plain text")},
		{Name: "image.ota", Payload: bytes.Repeat([]byte{0x1e}, 100)},
	}
	for _, c := range []archive.Compression{archive.CompressionNone, archive.CompressionBzip2} {
		t.Run(string(c), func(t *testing.T) {
			raw := buildArchive(t, expected, c)
			entries, err := archive.Extract(context.Background(), bytes.NewReader(raw))
			require.Nil(t, err)
			assert.Equal(t, expected, entries)
		})
	}

	// a digit after the prefix is not enough without the block magic
	raw := buildArchive(t, []archive.Entry{{Name: "BZh9.txt", Payload: []byte("x")}}, archive.CompressionNone)
	entries, err := archive.Extract(context.Background(), bytes.NewReader(raw))
	require.Nil(t, err)
	assert.Equal(t, 1, len(entries))
}
