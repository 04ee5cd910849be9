// Package update acquires and validates the latest Salus firmware image for
// a Zigbee device.
package update

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
	"github.com/joon704/zigbee-herdsman-converters/pkg/transport"
	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	"github.com/joon704/zigbee-herdsman-converters/pkg/version"
	"github.com/machinebox/progress"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

type Device struct {
	ModelID  string `json:"modelId"`
	IEEEAddr string `json:"ieeeAddr"`
}

// ValidatedImage is an image whose header matched the catalog descriptor,
// the vendor and the installed image type.
type ValidatedImage struct {
	Header     otaimage.Header
	Elements   []otaimage.Element
	Payload    []byte
	Digest     digest.Digest
	Descriptor catalog.Descriptor
}

// Updater holds no per-device state and is safe for concurrent use.
type Updater struct {
	cfg            Config
	resolver       *catalog.Resolver
	downloadClient *http.Client
}

func New(cfg Config) *Updater {
	cfg = cfg.withDefaults()
	catalogClient := cfg.Client
	downloadClient := cfg.Client
	if catalogClient == nil {
		catalogClient = transport.NewClient(cfg.CatalogTimeout)
		downloadClient = transport.NewClient(cfg.DownloadTimeout)
	}

	return &Updater{
		cfg:            cfg,
		resolver:       catalog.NewResolver(cfg.CatalogURL, catalogClient),
		downloadClient: downloadClient,
	}
}

// IsUpdateAvailable returns -1 when the catalog has a newer image than
// installed, 0 when the device is current and 1 when it is ahead.
func (u *Updater) IsUpdateAvailable(ctx context.Context, device Device, installed version.InstalledImage) (int, error) {
	desc, err := u.resolver.Resolve(ctx, device.ModelID)
	if err != nil {
		return 0, err
	}
	log.G(ctx).WithFields(logrus.Fields{
		"ieeeAddr": device.IEEEAddr,
		"current":  installed,
		"latest":   desc,
	}).Debug("checked new image availability")

	return version.Compare(installed, desc.FileVersion), nil
}

// UpdateToLatest acquires the latest validated image for device.
func (u *Updater) UpdateToLatest(ctx context.Context, device Device, installed version.InstalledImage, onProgress ProgressFunc) (*ValidatedImage, error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(logrus.Fields{
		"attempt":  utils.GetRandomId("ota"),
		"ieeeAddr": device.IEEEAddr,
		"modelId":  device.ModelID,
	}))
	log.G(ctx).WithField("installed", installed).Info("starting to acquire latest image")

	img, err := u.Acquire(ctx, installed, device.ModelID, onProgress)
	if err != nil {
		log.G(ctx).Warnf("no update performed: %v", err)
		return nil, err
	}

	log.G(ctx).WithFields(logrus.Fields{
		"fileVersion": catalog.FormatVersion(img.Header.FileVersion),
		"digest":      img.Digest,
	}).Info("acquired validated image")
	return img, nil
}

// Acquire resolves, downloads, extracts and validates the latest image for
// modelID. Nothing is downloaded unless the catalog version is strictly
// newer than installed.
func (u *Updater) Acquire(ctx context.Context, installed version.InstalledImage, modelID string, onProgress ProgressFunc) (*ValidatedImage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := newReporter(onProgress)
	defer r.close()

	desc, err := u.resolver.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	r.report(Progress{Stage: StageResolved})

	err = version.AssertNewer(installed, desc.FileVersion)
	if err != nil {
		return nil, err
	}

	entries, err := u.download(ctx, desc, r)
	if err != nil {
		return nil, err
	}
	r.report(Progress{Stage: StageExtracted, Percent: 100})

	entry, err := selectPayload(entries)
	if err != nil {
		return nil, err
	}

	img, err := u.cfg.Parse(entry.Payload)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: parser returned no image", ErrInvalidImage)
	}

	err = validate(&img.Header, desc, installed)
	if err != nil {
		return nil, err
	}

	_, d, err := utils.GetSizeAndDigest(entry.Payload)
	if err != nil {
		return nil, err
	}
	r.report(Progress{Stage: StageValidated, Percent: 100})

	return &ValidatedImage{
		Header:     img.Header,
		Elements:   img.Elements,
		Payload:    entry.Payload,
		Digest:     d,
		Descriptor: *desc,
	}, nil
}

func (u *Updater) download(ctx context.Context, desc *catalog.Descriptor, r *reporter) ([]archive.Entry, error) {
	resp, err := transport.Get(ctx, u.downloadClient, desc.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	log.G(ctx).WithFields(logrus.Fields{
		"url":  desc.URL,
		"size": resp.ContentLength,
	}).Info("downloading image")
	r.report(Progress{Stage: StageDownloadStarted})

	resp.Track(ctx, u.cfg.ProgressInterval, func(p progress.Progress) {
		r.report(Progress{
			Stage:     StageDownloading,
			Percent:   p.Percent(),
			Remaining: p.Remaining(),
		})
	})

	entries, err := archive.Extract(ctx, resp, archive.WithMaxEntrySize(u.cfg.MaxEntrySize))
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(logrus.Fields{
		"entries": len(entries),
		"read":    resp.N(),
	}).Debug("archive extracted")

	return entries, nil
}

func selectPayload(entries []archive.Entry) (*archive.Entry, error) {
	candidates := []*archive.Entry{}
	for i := range entries {
		if strings.HasSuffix(strings.ToLower(entries[i].Name), PayloadExt) {
			candidates = append(candidates, &entries[i])
		}
	}

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: no %s entry among %d entries", ErrPayloadNotFound, PayloadExt, len(entries))
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.Name)
		}
		return nil, fmt.Errorf("%w: %w: %s", ErrPayloadNotFound, ErrAmbiguousPayload, strings.Join(names, ", "))
	}
}

func validate(h *otaimage.Header, desc *catalog.Descriptor, installed version.InstalledImage) error {
	if h.FileVersion != desc.FileVersion {
		return &IdentityMismatchError{Field: FieldFileVersion, Expected: desc.FileVersion, Actual: h.FileVersion}
	}
	if h.ManufacturerCode != VendorCode {
		return &IdentityMismatchError{Field: FieldManufacturerCode, Expected: uint32(VendorCode), Actual: uint32(h.ManufacturerCode)}
	}
	if h.ImageType != installed.ImageType {
		return &IdentityMismatchError{Field: FieldImageType, Expected: uint32(installed.ImageType), Actual: uint32(h.ImageType)}
	}
	return nil
}
