package push

import (
	"context"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/util"
	"github.com/joon704/zigbee-herdsman-converters/pkg/archive"
	"github.com/joon704/zigbee-herdsman-converters/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = log.G(context.TODO())

const pushTimeout = 30 * time.Second

func Command() *cli.Command {
	cmd := cli.Command{
		Name:  "push",
		Usage: "Register an OTA image with the mirror server",
		Action: func(context *cli.Context) error {
			return Action(context)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Usage:    "host name for the mirror server",
				Value:    "localhost:8082",
				Required: false,
			},
			&cli.StringFlag{
				Name:     "model",
				Usage:    "model id the image is published for",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "ota",
				Usage:    "path to OTA image to push",
				Required: true,
			},
			util.CACertFlag(),
			&cli.StringFlag{
				Name:     "compression",
				Usage:    "archive compression (none, gzip, zstd, bzip2)",
				Value:    string(archive.CompressionGzip),
				Required: false,
			},
		},
	}

	return &cmd
}

func Action(c *cli.Context) error {
	logger.Logger.SetLevel(logrus.InfoLevel)
	host := c.String("host")
	model := c.String("model")
	compression, err := archive.ParseCompression(c.String("compression"))
	if err != nil {
		return err
	}
	// the server opens the file itself
	otaPath, err := filepath.Abs(c.String("ota"))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"host":        host,
		"model":       model,
		"ota":         otaPath,
		"compression": compression,
	}).Info("starting to push")

	hc, err := util.HTTPClient(c, pushTimeout)
	if err != nil {
		return err
	}
	err = server.NewMirrorClient(host, hc).PushFirmware(otaPath, model, compression)
	if err != nil {
		return err
	}

	logger.Info("push done")
	return nil
}
