package update

import (
	"net/http"
	"time"

	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
)

// VendorCode is the Zigbee manufacturer code every Salus image must carry.
const VendorCode = uint16(4216)

// PayloadExt is the suffix of the firmware entry inside a downloaded archive.
const PayloadExt = ".ota"

// ParseFunc parses a raw firmware payload into its header and body.
type ParseFunc func(raw []byte) (*otaimage.Image, error)

type Config struct {
	CatalogURL       string
	CatalogTimeout   time.Duration
	DownloadTimeout  time.Duration
	ProgressInterval time.Duration
	MaxEntrySize     int64

	// Client is used for both the catalog and downloads when set, and
	// overrides the timeouts above.
	Client *http.Client
	Parse  ParseFunc
}

func DefaultConfig() Config {
	return Config{
		CatalogURL:       catalog.DefaultURL,
		CatalogTimeout:   30 * time.Second,
		DownloadTimeout:  5 * time.Minute,
		ProgressInterval: 1 * time.Second,
		MaxEntrySize:     archive.DefaultMaxEntrySize,
		Parse:            otaimage.Parse,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CatalogURL == "" {
		c.CatalogURL = d.CatalogURL
	}
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = d.CatalogTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = d.DownloadTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.MaxEntrySize <= 0 {
		c.MaxEntrySize = d.MaxEntrySize
	}
	if c.Parse == nil {
		c.Parse = d.Parse
	}
	return c
}
