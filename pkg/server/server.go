package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/containerd/log"
	"github.com/gorilla/mux"
	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var logger = log.G(context.TODO())

var ErrInvalidFirmware = errors.New("invalid firmware")

const (
	CatalogPath = "/status/firmware"
	imagesPath  = "/images/"
)

// FirmwareData is the body of a firmware registration.
type FirmwareData struct {
	Model       string `json:"model" yaml:"model"`
	OtaPath     string `json:"otaPath" yaml:"otaPath"`
	Compression string `json:"compression" yaml:"compression,omitempty"`
}

type firmware struct {
	model       string
	header      otaimage.Header
	storedPath  string
	compression archive.Compression
}

func (fw *firmware) archiveName() string {
	return fw.model + fw.compression.Ext()
}

func (fw *firmware) otaName() string {
	return fmt.Sprintf("%s_%s.ota", fw.model, catalog.FormatVersion(fw.header.FileVersion))
}

// MirrorServer serves a Salus style firmware catalog and the archives it
// points to, built from registered OTA files.
type MirrorServer struct {
	storePath string
	router    *mux.Router
	metrics   *Metrics
	lock      sync.Mutex

	firmwares map[string]*firmware
	// registration order of models, the catalog lists them in this order
	models []string
}

func NewMirrorServer(storePath string) (*MirrorServer, error) {
	server := &MirrorServer{
		storePath: storePath,
		router:    mux.NewRouter(),
		metrics:   NewMetrics("ota_mirror"),
		lock:      sync.Mutex{},
	}

	err := server.clearAll()
	if err != nil {
		return nil, err
	}

	server.router.HandleFunc(CatalogPath, server.handleGetCatalog).Methods(http.MethodGet)
	server.router.HandleFunc(imagesPath+"{name}", server.handleGetImage).Methods(http.MethodGet)
	server.router.HandleFunc("/firmware/add", server.handlePostFirmware).Methods(http.MethodPost)
	server.router.HandleFunc("/cleanup", server.handleDeleteAll).Methods(http.MethodDelete)
	server.router.Handle("/metrics", promhttp.HandlerFor(server.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return server, nil
}

func (ms *MirrorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ms.router.ServeHTTP(w, r)
}

func (ms *MirrorServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, ms.router)
}

// ListenAndServeTLS serves over https. Updaters rewrite http:// archive
// URLs to https://, so a mirror used for downloads must serve TLS.
func (ms *MirrorServer) ListenAndServeTLS(addr, certFile, keyFile string) error {
	return http.ListenAndServeTLS(addr, certFile, keyFile, ms.router)
}

func (ms *MirrorServer) Metrics() *Metrics {
	return ms.metrics
}

func (ms *MirrorServer) clearAll() error {
	err := os.RemoveAll(ms.storePath)
	if err != nil {
		return errors.Wrapf(err, "failed to remove firmware store %q", ms.storePath)
	}
	err = os.MkdirAll(ms.storePath, 0755)
	if err != nil {
		return errors.Wrapf(err, "failed to create firmware store %q", ms.storePath)
	}

	ms.firmwares = map[string]*firmware{}
	ms.models = []string{}

	return nil
}

// Register validates the OTA file described by data and publishes it under
// data.Model, replacing any image already registered for that model.
func (ms *MirrorServer) Register(data FirmwareData) error {
	if data.Model == "" {
		return errors.Wrap(ErrInvalidFirmware, "model is not specified")
	}
	// the model names a single path segment of the archive URL
	if strings.ContainsAny(data.Model, `/\`) {
		return errors.Wrapf(ErrInvalidFirmware, "model %q contains a path separator", data.Model)
	}
	compression, err := archive.ParseCompression(data.Compression)
	if err != nil {
		return errors.Wrapf(ErrInvalidFirmware, "%v", err)
	}

	raw, err := os.ReadFile(data.OtaPath)
	if err != nil {
		return errors.Wrapf(ErrInvalidFirmware, "failed to read ota %s: %v", data.OtaPath, err)
	}
	img, err := otaimage.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalidFirmware, "failed to parse ota %s: %v", data.OtaPath, err)
	}

	ms.lock.Lock()
	defer ms.lock.Unlock()
	storedPath := filepath.Join(ms.storePath, utils.GetRandomId("ota")+".ota")
	err = os.WriteFile(storedPath, raw, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to store ota at %s", storedPath)
	}

	old, ok := ms.firmwares[data.Model]
	if ok {
		os.Remove(old.storedPath)
	} else {
		ms.models = append(ms.models, data.Model)
	}
	ms.firmwares[data.Model] = &firmware{
		model:       data.Model,
		header:      img.Header,
		storedPath:  storedPath,
		compression: compression,
	}
	ms.metrics.IncRegistrations(data.Model)

	logger.Infof("successfully registered firmware(Model=%s FileVersion=0x%08x ImageType=%d Compression=%s)", data.Model, img.Header.FileVersion, img.Header.ImageType, compression)
	return nil
}

// Preload registers every firmware listed in cfg.
func (ms *MirrorServer) Preload(cfg *PreloadConfig) error {
	for _, data := range cfg.Firmwares {
		err := ms.Register(data)
		if err != nil {
			return fmt.Errorf("failed to preload %s: %w", data.Model, err)
		}
	}
	return nil
}

func (ms *MirrorServer) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	err := ms.clearAll()
	if err != nil {
		logger.Errorf("failed to clear all: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	logger.Info("cleaned firmwares")
	w.WriteHeader(http.StatusOK)
}

func (ms *MirrorServer) handlePostFirmware(w http.ResponseWriter, r *http.Request) {
	data, err := utils.UnmarshalJsonFromReader[FirmwareData](r.Body)
	if err != nil {
		logger.Errorf("invalid request err=%v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	err = ms.Register(*data)
	if err != nil {
		logger.Errorf("failed to register firmware: %v", err)
		if errors.Is(err, ErrInvalidFirmware) {
			w.WriteHeader(http.StatusBadRequest)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ms *MirrorServer) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	ms.metrics.IncCatalogRequests()
	ms.lock.Lock()
	doc := catalog.Document{Versions: []catalog.Record{}}
	for _, model := range ms.models {
		fw := ms.firmwares[model]
		doc.Versions = append(doc.Versions, catalog.Record{
			Model:   fw.model,
			Version: catalog.FormatVersion(fw.header.FileVersion),
			URL:     fmt.Sprintf("http://%s%s%s", r.Host, imagesPath, url.PathEscape(fw.archiveName())),
		})
	}
	ms.lock.Unlock()

	resBytes, err := json.Marshal(doc)
	if err != nil {
		logger.Errorf("failed to marshal json err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(resBytes)
	if err != nil {
		logger.Errorf("failed to send catalog err=%v", err)
	}
}

func (ms *MirrorServer) handleGetImage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ms.lock.Lock()
	var fw *firmware
	for _, f := range ms.firmwares {
		if f.archiveName() == name {
			fw = f
			break
		}
	}
	ms.lock.Unlock()
	if fw == nil {
		logger.Errorf("not found archive %s", name)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	raw, err := os.ReadFile(fw.storedPath)
	if err != nil {
		logger.Errorf("failed to read ota %s: %v", fw.storedPath, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	out := bytes.Buffer{}
	err = archive.Write(&out, []archive.Entry{
		{Name: "VERSION", Payload: []byte(catalog.FormatVersion(fw.header.FileVersion) + "\n")},
		{Name: fw.otaName(), Payload: raw},
	}, fw.compression)
	if err != nil {
		logger.Errorf("failed to build archive %s: %v", name, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	size := out.Len()
	ms.metrics.ObserveDownload(fw.model, size)
	w.Header().Set("Content-Length", strconv.Itoa(size))
	_, err = out.WriteTo(w)
	if err != nil {
		logger.Errorf("failed to write archive: %v", err)
		return
	}
	logger.Infof("archive %s sent", name)
}
