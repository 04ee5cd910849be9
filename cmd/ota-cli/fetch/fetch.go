package fetch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/util"
	"github.com/joon704/zigbee-herdsman-converters/pkg/benchmark"
	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/update"
	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = log.G(context.TODO())

func Command() *cli.Command {
	flags := append(util.DeviceFlags(),
		&cli.StringFlag{
			Name:     "out",
			Usage:    "path to write the validated OTA image",
			Required: true,
		},
		&cli.BoolFlag{
			Name:     "benchmark",
			Usage:    "enable benchmark",
			Required: false,
		},
		&cli.StringFlag{
			Name:     "benchmarkLog",
			Usage:    "path of the benchmark log",
			Value:    "./benchmark.log",
			Required: false,
		},
		&cli.StringSliceFlag{
			Name:     "labels",
			Usage:    "labels for benchmark (e.g. run=1)",
			Required: false,
		},
	)
	cmd := cli.Command{
		Name:  "fetch",
		Usage: "Download and validate the latest image for the device",
		Action: func(context *cli.Context) error {
			return Action(context)
		},
		Flags: flags,
	}

	return &cmd
}

func Action(c *cli.Context) error {
	logger.Logger.SetLevel(logrus.InfoLevel)
	device, installed, err := util.ParseDevice(c)
	if err != nil {
		return err
	}
	outPath := c.String("out")

	var b *benchmark.Benchmark = nil
	if c.Bool("benchmark") {
		b, err = benchmark.NewBenchmark(c.String("benchmarkLog"))
		if err != nil {
			return err
		}
		defer b.Close()
	}

	start := time.Now()
	bar := pb.New(100)
	bar.SetWriter(c.App.ErrWriter)
	onProgress := func(p update.Progress) {
		switch p.Stage {
		case update.StageDownloadStarted:
			bar.Start()
		case update.StageDownloading:
			bar.SetCurrent(int64(p.Percent))
		case update.StageExtracted:
			bar.SetCurrent(100)
			bar.Finish()
		default:
			logger.WithField("stage", p.Stage).Info("progress")
		}
	}
	u, err := util.NewUpdater(c)
	if err != nil {
		return err
	}
	img, err := u.UpdateToLatest(c.Context, device, installed, onProgress)
	bar.Finish()
	if err != nil {
		return err
	}

	err = os.WriteFile(outPath, img.Payload, 0644)
	if err != nil {
		return fmt.Errorf("failed to write image to %s: %v", outPath, err)
	}
	logger.WithFields(logrus.Fields{
		"out":         outPath,
		"fileVersion": catalog.FormatVersion(img.Header.FileVersion),
		"digest":      img.Digest,
	}).Info("image saved")

	if b != nil {
		metric := benchmark.NewMetric("fetch", start)
		metric.AddLabels([]string{
			"model:" + device.ModelID,
			"fileVersion:" + catalog.FormatVersion(img.Header.FileVersion),
		})
		metric.AddLabels(utils.ParseLabels(c.StringSlice("labels")))
		err = b.AppendResult(metric)
		if err != nil {
			return err
		}
	}

	return nil
}
