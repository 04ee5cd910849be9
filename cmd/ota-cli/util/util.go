package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/transport"
	"github.com/joon704/zigbee-herdsman-converters/pkg/update"
	"github.com/joon704/zigbee-herdsman-converters/pkg/version"
	"github.com/urfave/cli/v2"
)

// DeviceFlags describe the device and the image it currently runs.
func DeviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "model",
			Usage:    "model id reported by the device (e.g. SP600)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "ieeeAddr",
			Usage:    "IEEE address of the device, used for logging only",
			Value:    "",
			Required: false,
		},
		&cli.StringFlag{
			Name:     "fileVersion",
			Usage:    "installed file version in hex (e.g. 0x00000102)",
			Required: true,
		},
		&cli.UintFlag{
			Name:     "imageType",
			Usage:    "installed image type",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "catalog",
			Usage:    "firmware catalog URL",
			Value:    catalog.DefaultURL,
			Required: false,
		},
		CACertFlag(),
	}
}

func CACertFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "caCert",
		Usage:    "PEM file with extra CA certificates to trust (e.g. for a local mirror)",
		Value:    "",
		Required: false,
	}
}

// HTTPClient returns a client trusting the certificates of --caCert, or
// nil when the flag is not set.
func HTTPClient(c *cli.Context, timeout time.Duration) (*http.Client, error) {
	caPath := c.String("caCert")
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read caCert: %v", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", caPath)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: pool}
	hc := transport.NewClient(timeout)
	hc.Transport = tr
	return hc, nil
}

func ParseDevice(c *cli.Context) (update.Device, version.InstalledImage, error) {
	device := update.Device{
		ModelID:  c.String("model"),
		IEEEAddr: c.String("ieeeAddr"),
	}
	fileVersion, err := catalog.ParseVersion(c.String("fileVersion"))
	if err != nil {
		return device, version.InstalledImage{}, fmt.Errorf("invalid fileVersion: %v", err)
	}
	imageType := c.Uint("imageType")
	if imageType > 0xffff {
		return device, version.InstalledImage{}, fmt.Errorf("imageType %d out of range", imageType)
	}

	installed := version.InstalledImage{
		FileVersion:      fileVersion,
		ImageType:        uint16(imageType),
		ManufacturerCode: update.VendorCode,
	}
	return device, installed, nil
}

func NewUpdater(c *cli.Context) (*update.Updater, error) {
	cfg := update.DefaultConfig()
	cfg.CatalogURL = c.String("catalog")
	hc, err := HTTPClient(c, cfg.DownloadTimeout)
	if err != nil {
		return nil, err
	}
	cfg.Client = hc
	return update.New(cfg), nil
}
