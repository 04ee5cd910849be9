package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
)

const clientMaxRetries = 3

type MirrorClient struct {
	serverURL string
	client    *http.Client
}

// NewMirrorClient accepts either a bare host or a full base URL.
func NewMirrorClient(server string, client *http.Client) *MirrorClient {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	if client == nil {
		client = http.DefaultClient
	}
	mc := &MirrorClient{
		serverURL: strings.TrimSuffix(server, "/"),
		client:    client,
	}

	return mc
}

func (mc *MirrorClient) CatalogURL() string {
	return mc.serverURL + CatalogPath
}

// PushFirmware registers the OTA file at otaPath for model. The path is
// read by the server, so it must be reachable from there.
func (mc *MirrorClient) PushFirmware(otaPath, model string, compression archive.Compression) error {
	reqJson := FirmwareData{
		Model:       model,
		OtaPath:     otaPath,
		Compression: string(compression),
	}

	jsonBytes, err := json.Marshal(reqJson)
	if err != nil {
		return fmt.Errorf("failed to marshal FirmwareData: %v", err)
	}

	return mc.do(func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, mc.serverURL+"/firmware/add", bytes.NewReader(jsonBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (mc *MirrorClient) Cleanup() error {
	return mc.do(func() (*http.Request, error) {
		return http.NewRequest(http.MethodDelete, mc.serverURL+"/cleanup", nil)
	})
}

// do retries connection failures and 5xx responses. Any other non-200
// status is returned at once.
func (mc *MirrorClient) do(newRequest func() (*http.Request, error)) error {
	op := func() error {
		req, err := newRequest()
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := mc.client.Do(req)
		if err != nil {
			logger.Warnf("request to %s failed: %v", req.URL, err)
			return fmt.Errorf("failed to %s %s: %v", req.Method, req.URL.Path, err)
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusOK:
			return nil
		case res.StatusCode >= http.StatusInternalServerError:
			logger.Warnf("%s %s returned %d", req.Method, req.URL.Path, res.StatusCode)
			return fmt.Errorf("unexpected status code %d", res.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status code %d", res.StatusCode))
		}
	}

	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), clientMaxRetries))
}
