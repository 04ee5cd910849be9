package check

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/log"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/util"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = log.G(context.TODO())

func Command() *cli.Command {
	cmd := cli.Command{
		Name:  "check",
		Usage: "Check whether the catalog has a newer image for the device",
		Action: func(context *cli.Context) error {
			return Action(context)
		},
		Flags: util.DeviceFlags(),
	}

	return &cmd
}

func Action(c *cli.Context) error {
	logger.Logger.SetLevel(logrus.WarnLevel)
	device, installed, err := util.ParseDevice(c)
	if err != nil {
		return err
	}

	u, err := util.NewUpdater(c)
	if err != nil {
		return err
	}
	res, err := u.IsUpdateAvailable(c.Context, device, installed)
	if err != nil {
		return err
	}

	switch res {
	case -1:
		fmt.Fprintln(c.App.Writer, "-1: update available")
	case 0:
		fmt.Fprintln(c.App.Writer, "0: up to date")
	default:
		fmt.Fprintln(c.App.Writer, "1: installed image is newer than the catalog")
	}
	return nil
}
