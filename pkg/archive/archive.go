// Package archive demultiplexes streamed tar archives into in-memory
// entries.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/containerd/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCorrupt = errors.New("corrupt archive")

	errEmpty = errors.New("empty stream")
)

const (
	DefaultMaxEntrySize = int64(32 << 20)

	blockSize = 512
	// end-of-archive marker: two zero blocks
	endMarkerSize = 2 * blockSize
)

type Entry struct {
	Name    string
	Payload []byte
}

type options struct {
	maxEntrySize int64
}

type Option func(*options)

// WithMaxEntrySize bounds the size of a single entry held in memory.
func WithMaxEntrySize(size int64) Option {
	return func(o *options) {
		o.maxEntrySize = size
	}
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

func isRegular(hdr *tar.Header) bool {
	return hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA
}

func roundUpBlock(size int64) int64 {
	return (size + blockSize - 1) / blockSize * blockSize
}

// Walk reads the archive from r in order and calls fn with each regular
// file once its data has been read completely. Bytes are only pulled from
// r while an entry is being read, so a slow fn slows down the download.
func Walk(ctx context.Context, r io.Reader, fn func(Entry) error, opts ...Option) error {
	o := options{
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	src := &countingReader{r: r}
	fail := func(err error) error {
		if src.err != nil {
			return fmt.Errorf("failed to read archive: %w", src.err)
		}
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	dr, compression, err := decompress(src)
	if err != nil {
		return fail(err)
	}
	defer dr.Close()

	logger := log.G(ctx).WithField("compression", compression)
	tarSrc := &countingReader{r: dr}
	tr := tar.NewReader(tarSrc)
	// offset just past the data of the last entry
	boundary := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			if tarSrc.n-boundary < endMarkerSize {
				return fail(fmt.Errorf("missing end-of-archive marker (offset=%d)", tarSrc.n))
			}
			break
		}
		if err != nil {
			return fail(err)
		}
		boundary = tarSrc.n + roundUpBlock(hdr.Size)

		if !isRegular(hdr) {
			logger.Debugf("skipping non regular entry %q (type=%c)", hdr.Name, hdr.Typeflag)
			continue
		}
		if hdr.Size > o.maxEntrySize {
			return fail(fmt.Errorf("entry %q too large (size=%d max=%d)", hdr.Name, hdr.Size, o.maxEntrySize))
		}

		payload := make([]byte, hdr.Size)
		_, err = io.ReadFull(tr, payload)
		if err != nil {
			return fail(fmt.Errorf("failed to read entry %q: %v", hdr.Name, err))
		}
		logger.WithFields(logrus.Fields{
			"name": hdr.Name,
			"size": hdr.Size,
		}).Debug("extracted entry")

		err = fn(Entry{
			Name:    hdr.Name,
			Payload: payload,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Extract returns all regular files of the archive in archive order.
// Either every entry is returned or none.
func Extract(ctx context.Context, r io.Reader, opts ...Option) ([]Entry, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	entryChan := make(chan Entry)

	eg.Go(func() error {
		defer close(entryChan)
		return Walk(egCtx, r, func(e Entry) error {
			select {
			case entryChan <- e:
				return nil
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}, opts...)
	})

	entries := []Entry{}
	eg.Go(func() error {
		for e := range entryChan {
			entries = append(entries, e)
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Write encodes entries as a tar archive compressed with c.
func Write(w io.Writer, entries []Entry, c Compression) error {
	cw, err := NewWriter(w, c)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	for _, e := range entries {
		err = tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Mode:     0644,
			Size:     int64(len(e.Payload)),
		})
		if err != nil {
			return fmt.Errorf("failed to write header of %q: %v", e.Name, err)
		}
		_, err = tw.Write(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to write %q: %v", e.Name, err)
		}
	}
	err = tw.Close()
	if err != nil {
		return err
	}

	return cw.Close()
}
