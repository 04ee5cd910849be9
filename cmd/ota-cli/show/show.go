package show

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joon704/zigbee-herdsman-converters/pkg/catalog"
	"github.com/joon704/zigbee-herdsman-converters/pkg/otaimage"
	"github.com/joon704/zigbee-herdsman-converters/pkg/utils"
	"github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	cmd := cli.Command{
		Name:  "show",
		Usage: "show OTA image info",
		Action: func(context *cli.Context) error {
			return action(context)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ota",
				Usage:    "path to OTA image",
				Required: true,
			},
			&cli.BoolFlag{
				Name:     "json",
				Usage:    "print the header as json",
				Required: false,
			},
		},
	}

	return &cmd
}

func action(c *cli.Context) error {
	raw, err := os.ReadFile(c.String("ota"))
	if err != nil {
		return err
	}
	img, err := otaimage.Parse(raw)
	if err != nil {
		return err
	}
	w := c.App.Writer

	if c.Bool("json") {
		b, err := json.MarshalIndent(img.Header, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}

	h := img.Header
	_, d, err := utils.GetSizeAndDigest(raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Header String: %s\n", h.HeaderString)
	fmt.Fprintf(w, "Manufacturer Code: %d\n", h.ManufacturerCode)
	fmt.Fprintf(w, "Image Type: %d\n", h.ImageType)
	fmt.Fprintf(w, "File Version: 0x%s\n", catalog.FormatVersion(h.FileVersion))
	fmt.Fprintf(w, "Stack Version: %d\n", h.StackVersion)
	fmt.Fprintf(w, "Header Length: %d\n", h.HeaderLength)
	fmt.Fprintf(w, "Total Image Size: %d\n", h.TotalImageSize)
	fmt.Fprintf(w, "Digest: %s\n", d)
	for _, e := range img.Elements {
		fmt.Fprintf(w, "Element: tag=0x%04x length=%d\n", e.TagID, len(e.Data))
	}
	return nil
}
