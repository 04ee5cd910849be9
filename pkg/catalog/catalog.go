// Package catalog resolves firmware descriptors from the Salus firmware
// status feed.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/pkg/transport"
	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultURL = "https://eu.salusconnect.io/demo/default/status/firmware?timestamp=0"

// MaxCatalogSize bounds the catalog body read into memory.
const MaxCatalogSize = int64(4 << 20)

var (
	ErrNotFound       = errors.New("no image available for model")
	ErrInvalidCatalog = errors.New("invalid catalog")
	ErrInvalidRecord  = errors.New("invalid catalog record")
)

// Record is a catalog entry as served by the feed.
type Record struct {
	Model   string `json:"model"`
	Version string `json:"version"`
	URL     string `json:"url"`
}

// Document is the catalog response body.
type Document struct {
	Versions []Record `json:"versions"`
}

// Descriptor identifies the latest image for a model.
type Descriptor struct {
	ModelID     string `json:"modelId"`
	FileVersion uint32 `json:"fileVersion"`
	URL         string `json:"url"`
}

type Resolver struct {
	url    string
	client *http.Client
}

func NewResolver(url string, client *http.Client) *Resolver {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		url:    url,
		client: client,
	}
}

// Fetch downloads the catalog. Every call issues a new request.
func (r *Resolver) Fetch(ctx context.Context) ([]Record, error) {
	resp, err := transport.Get(ctx, r.client, r.url)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	body, err := io.ReadAll(io.LimitReader(resp, MaxCatalogSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > MaxCatalogSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidCatalog, MaxCatalogSize)
	}

	doc, err := utils.UnmarshalJsonFromReader[Document](bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	return doc.Versions, nil
}

// Resolve returns the descriptor of the first record whose model is modelID.
func (r *Resolver) Resolve(ctx context.Context, modelID string) (*Descriptor, error) {
	records, err := r.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.G(ctx).WithField("modelId", modelID)
	var selected *Record
	for i := range records {
		if records[i].Model != modelID {
			continue
		}
		if selected != nil {
			logger.WithFields(logrus.Fields{
				"selected": selected.Version,
				"ignored":  records[i].Version,
			}).Warn("duplicated catalog record ignored")
			continue
		}
		selected = &records[i]
	}
	if selected == nil {
		return nil, fmt.Errorf("%w %q", ErrNotFound, modelID)
	}

	return NewDescriptor(*selected)
}

// NewDescriptor validates a record and converts it into a Descriptor.
func NewDescriptor(rec Record) (*Descriptor, error) {
	fileVersion, err := ParseVersion(rec.Version)
	if err != nil {
		return nil, perrors.Wrapf(ErrInvalidRecord, "model %q: %v", rec.Model, err)
	}
	if rec.URL == "" {
		return nil, perrors.Wrapf(ErrInvalidRecord, "model %q: empty url", rec.Model)
	}

	return &Descriptor{
		ModelID:     rec.Model,
		FileVersion: fileVersion,
		URL:         SecureURL(rec.URL),
	}, nil
}

// ParseVersion parses a hexadecimal file version with an optional 0x prefix.
func ParseVersion(s string) (uint32, error) {
	v := strings.TrimSpace(s)
	if len(v) > 2 && strings.EqualFold(v[:2], "0x") {
		v = v[2:]
	}
	res, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return uint32(res), nil
}

// FormatVersion is the inverse of ParseVersion.
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

// SecureURL rewrites a plain http scheme to https.
func SecureURL(u string) string {
	const insecure = "http://"
	if len(u) >= len(insecure) && strings.EqualFold(u[:len(insecure)], insecure) {
		return "https://" + u[len(insecure):]
	}
	return u
}
