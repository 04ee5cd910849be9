package main

import (
	"fmt"
	"os"

	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/check"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/fetch"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/push"
	"github.com/joon704/zigbee-herdsman-converters/cmd/ota-cli/show"
	"github.com/urfave/cli/v2"
)

func main() {
	app := NewApp()
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ota-cli: %v\n", err)
		os.Exit(1)
	}
}

func NewApp() *cli.App {
	app := cli.NewApp()

	app.Name = "ota-cli"
	app.Version = "0.0.0"
	app.Usage = "CLI tool for Salus Zigbee OTA images"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{}
	app.Commands = []*cli.Command{
		check.Command(),
		fetch.Command(),
		show.Command(),
		push.Command(),
	}

	return app
}
