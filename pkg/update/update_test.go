package update_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
	"github.com/joon704/zigbee-herdsman-converters/pkg/update"
	"github.com/joon704/zigbee-herdsman-converters/pkg/version"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *httptest.Server
	version string
	archive []byte

	mu   sync.Mutex
	hits map[string]int
}

func newFixture(t *testing.T, catalogVersion string, archiveBytes []byte) *fixture {
	f := &fixture{
		version: catalogVersion,
		archive: archiveBytes,
		hits:    map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r.URL.Path)
		fmt.Fprintf(w, `{"versions":[
			{"model":"OTHER","version":"ffff","url":"http://%s/other.tar"},
			{"model":"X","version":%q,"url":"http://%s/fw.tar"}
		]}`, r.Host, f.version, r.Host)
	})
	mux.HandleFunc("/fw.tar", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r.URL.Path)
		w.Header().Set("Content-Length", strconv.Itoa(len(f.archive)))
		w.Write(f.archive)
	})
	f.server = httptest.NewTLSServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) hit(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[path]++
}

func (f *fixture) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fixture) updater() *update.Updater {
	return update.New(update.Config{
		CatalogURL:       f.server.URL + "/catalog",
		Client:           f.server.Client(),
		ProgressInterval: time.Millisecond,
	})
}

func makeOTA(t *testing.T, fileVersion uint32, manufacturerCode uint16, imageType uint16) []byte {
	img := &otaimage.Image{
		Header: otaimage.Header{
			HeaderVersion:    0x0100,
			ManufacturerCode: manufacturerCode,
			ImageType:        imageType,
			FileVersion:      fileVersion,
			StackVersion:     2,
			HeaderString:     "test image",
		},
		Elements: []otaimage.Element{
			{TagID: otaimage.TagUpgradeImage, Data: bytes.Repeat([]byte{0x5a}, 3000)},
		},
	}
	raw, err := img.Marshal()
	require.Nil(t, err)
	return raw
}

func makeArchive(t *testing.T, entries ...archive.Entry) []byte {
	buf := &bytes.Buffer{}
	require.Nil(t, archive.Write(buf, entries, archive.CompressionNone))
	return buf.Bytes()
}

func validArchive(t *testing.T) []byte {
	return makeArchive(t,
		archive.Entry{Name: "readme.txt", Payload: []byte("SX885ZB")},
		archive.Entry{Name: "image.ota", Payload: makeOTA(t, 2, update.VendorCode, 7)},
	)
}

func TestAcquire(t *testing.T) {
	f := newFixture(t, "0002", validArchive(t))
	u := f.updater()
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}
	device := update.Device{ModelID: "X", IEEEAddr: "0x000d6f0011223344"}

	res, err := u.IsUpdateAvailable(context.Background(), device, installed)
	require.Nil(t, err)
	assert.Equal(t, -1, res)

	var mu sync.Mutex
	stages := []update.Stage{}
	img, err := u.Acquire(context.Background(), installed, "X", func(p update.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Stage != update.StageDownloading {
			stages = append(stages, p.Stage)
		}
	})
	require.Nil(t, err)
	assert.Equal(t, uint32(2), img.Header.FileVersion)
	assert.Equal(t, update.VendorCode, img.Header.ManufacturerCode)
	assert.Equal(t, uint16(7), img.Header.ImageType)
	assert.Equal(t, makeOTA(t, 2, update.VendorCode, 7), img.Payload)
	assert.Equal(t, digest.FromBytes(img.Payload), img.Digest)
	assert.Equal(t, "X", img.Descriptor.ModelID)
	// the catalog serves http:// but only the TLS server answers
	assert.Equal(t, f.server.URL+"/fw.tar", img.Descriptor.URL)
	assert.Equal(t, 1, f.hitCount("/fw.tar"))

	mu.Lock()
	assert.Equal(t, []update.Stage{update.StageResolved, update.StageDownloadStarted, update.StageExtracted, update.StageValidated}, stages)
	mu.Unlock()
}

func TestAcquireNoUpdate(t *testing.T) {
	f := newFixture(t, "0002", validArchive(t))
	u := f.updater()

	for _, installed := range []version.InstalledImage{{FileVersion: 2, ImageType: 7}, {FileVersion: 3, ImageType: 7}} {
		img, err := u.Acquire(context.Background(), installed, "X", nil)
		assert.Nil(t, img)
		assert.True(t, errors.Is(err, update.ErrNoUpdate))
	}
	assert.Equal(t, 2, f.hitCount("/catalog"))
	assert.Equal(t, 0, f.hitCount("/fw.tar"))
}

func TestIsUpdateAvailable(t *testing.T) {
	f := newFixture(t, "0002", validArchive(t))
	u := f.updater()
	device := update.Device{ModelID: "X"}

	tests := []struct {
		installed uint32
		expected  int
	}{
		{1, -1},
		{2, 0},
		{3, 1},
	}
	for _, tt := range tests {
		res, err := u.IsUpdateAvailable(context.Background(), device, version.InstalledImage{FileVersion: tt.installed, ImageType: 7})
		assert.Nil(t, err)
		assert.Equal(t, tt.expected, res)
	}

	_, err := u.IsUpdateAvailable(context.Background(), update.Device{ModelID: "Y"}, version.InstalledImage{})
	assert.True(t, errors.Is(err, update.ErrNotFound))
	assert.Equal(t, 0, f.hitCount("/fw.tar"))
}

func TestAcquireIdentityMismatch(t *testing.T) {
	tests := []struct {
		field            string
		fileVersion      uint32
		manufacturerCode uint16
		imageType        uint16
	}{
		{update.FieldFileVersion, 3, update.VendorCode, 7},
		{update.FieldFileVersion, 1, update.VendorCode, 7},
		{update.FieldManufacturerCode, 2, 4217, 7},
		{update.FieldManufacturerCode, 2, 0, 7},
		{update.FieldImageType, 2, update.VendorCode, 8},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			ota := makeOTA(t, tt.fileVersion, tt.manufacturerCode, tt.imageType)
			f := newFixture(t, "0002", makeArchive(t, archive.Entry{Name: "image.ota", Payload: ota}))

			img, err := f.updater().Acquire(context.Background(), version.InstalledImage{FileVersion: 1, ImageType: 7}, "X", nil)
			assert.Nil(t, img)
			assert.True(t, errors.Is(err, update.ErrIdentityMismatch))

			var mismatch *update.IdentityMismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, tt.field, mismatch.Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestAcquireIdempotent(t *testing.T) {
	f := newFixture(t, "0002", validArchive(t))
	u := f.updater()
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}

	first, err := u.Acquire(context.Background(), installed, "X", nil)
	require.Nil(t, err)
	second, err := u.Acquire(context.Background(), installed, "X", nil)
	require.Nil(t, err)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Header, second.Header)
}

func TestAcquirePayloadSelection(t *testing.T) {
	ota := makeOTA(t, 2, update.VendorCode, 7)
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}

	f := newFixture(t, "0002", makeArchive(t, archive.Entry{Name: "image.bin", Payload: ota}))
	_, err := f.updater().Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrPayloadNotFound))
	assert.False(t, errors.Is(err, update.ErrAmbiguousPayload))

	f = newFixture(t, "0002", makeArchive(t,
		archive.Entry{Name: "a/image.ota", Payload: ota},
		archive.Entry{Name: "b/image.OTA", Payload: ota},
	))
	_, err = f.updater().Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrPayloadNotFound))
	assert.True(t, errors.Is(err, update.ErrAmbiguousPayload))

	f = newFixture(t, "0002", makeArchive(t, archive.Entry{Name: "fw/IMAGE.OTA", Payload: ota}))
	img, err := f.updater().Acquire(context.Background(), installed, "X", nil)
	require.Nil(t, err)
	assert.Equal(t, ota, img.Payload)
}

func TestAcquireParseError(t *testing.T) {
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}
	f := newFixture(t, "0002", makeArchive(t, archive.Entry{Name: "image.ota", Payload: []byte("not an ota file at all")}))

	_, err := f.updater().Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrInvalidImage))

	errParser := errors.New("parser failure")
	u := update.New(update.Config{
		CatalogURL: f.server.URL + "/catalog",
		Client:     f.server.Client(),
		Parse: func(raw []byte) (*otaimage.Image, error) {
			return nil, errParser
		},
	})
	_, err = u.Acquire(context.Background(), installed, "X", nil)
	assert.Equal(t, errParser, err)

	u = update.New(update.Config{
		CatalogURL: f.server.URL + "/catalog",
		Client:     f.server.Client(),
		Parse: func(raw []byte) (*otaimage.Image, error) {
			return nil, nil
		},
	})
	img, err := u.Acquire(context.Background(), installed, "X", nil)
	assert.Nil(t, img)
	assert.True(t, errors.Is(err, update.ErrInvalidImage), "unexpected error %v", err)
}

func TestAcquireArchiveFailures(t *testing.T) {
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}
	valid := validArchive(t)

	f := newFixture(t, "0002", valid[:len(valid)-700])
	img, err := f.updater().Acquire(context.Background(), installed, "X", nil)
	assert.Nil(t, img)
	assert.True(t, errors.Is(err, update.ErrArchiveCorrupt))

	f = newFixture(t, "0002", valid)
	u := update.New(update.Config{
		CatalogURL:   f.server.URL + "/catalog",
		Client:       f.server.Client(),
		MaxEntrySize: 100,
	})
	_, err = u.Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrArchiveCorrupt))
}

func TestAcquireTransportFailures(t *testing.T) {
	installed := version.InstalledImage{FileVersion: 1, ImageType: 7}

	f := newFixture(t, "0002", validArchive(t))
	f.server.Close()
	_, err := f.updater().Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrTransport))

	// catalog points to an archive that does not exist
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":[{"model":"X","version":"02","url":"http://%s/missing.tar"}]}`, r.Host)
	})
	s := httptest.NewTLSServer(mux)
	defer s.Close()
	u := update.New(update.Config{CatalogURL: s.URL + "/catalog", Client: s.Client()})
	_, err = u.Acquire(context.Background(), installed, "X", nil)
	assert.True(t, errors.Is(err, update.ErrTransport))

	_, err = u.Acquire(context.Background(), installed, "Y", nil)
	assert.True(t, errors.Is(err, update.ErrNotFound))
}

func TestUpdateToLatest(t *testing.T) {
	f := newFixture(t, "0002", validArchive(t))
	device := update.Device{ModelID: "X", IEEEAddr: "0x000d6f0011223344"}

	img, err := f.updater().UpdateToLatest(context.Background(), device, version.InstalledImage{FileVersion: 1, ImageType: 7}, nil)
	require.Nil(t, err)
	assert.Equal(t, uint32(2), img.Header.FileVersion)

	img, err = f.updater().UpdateToLatest(context.Background(), device, version.InstalledImage{FileVersion: 2, ImageType: 7}, nil)
	assert.Nil(t, img)
	assert.True(t, errors.Is(err, update.ErrNoUpdate))
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "resolved", update.StageResolved.String())
	assert.Equal(t, "validated", update.StageValidated.String())
	assert.Equal(t, "unknown", update.Stage(0).String())
}
