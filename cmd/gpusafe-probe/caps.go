// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/urfave/cli/v2"

	"github.com/gogpu/gpusafe"
	"github.com/gogpu/gpusafe/driver/haldriver"
)

var capsCommand = &cli.Command{
	Name:  "caps",
	Usage: "negotiate a driver profile and print its capabilities",
	Flags: []cli.Flag{
		profileFlag,
		modeFlag,
		&cli.BoolFlag{Name: "hal", Usage: "negotiate the gogpu/wgpu noop HAL device instead of a profile"},
	},
	Action: func(c *cli.Context) error {
		var ctx *gpusafe.Context
		var err error
		if c.Bool("hal") {
			var closeHAL func()
			ctx, closeHAL, err = openNoopHAL()
			if closeHAL != nil {
				defer closeHAL()
			}
		} else {
			ctx, _, err = openContext(c)
		}
		if errors.Is(err, gpusafe.ErrUnsupportedDriver) {
			fmt.Fprintln(c.App.Writer, failColor("unsupported:"), err)
			return cli.Exit("", 2)
		}
		if err != nil {
			return err
		}
		defer ctx.Close(context.Background())
		printCaps(c.App.Writer, ctx.Capabilities())
		return nil
	},
}

func printCaps(w io.Writer, t *gpusafe.CapabilityTable) {
	fmt.Fprintf(w, "%s %s\n", headColor("version: "), t.RawVersion())
	fmt.Fprintf(w, "%s %s (%s)\n", headColor("parsed:  "), t.Version(), t.Renderer())
	l := t.Limits()
	fmt.Fprintf(w, "%s texture %d, viewport %dx%d, attribs %d, colour attachments %d\n",
		headColor("limits:  "), l.MaxTextureSize, l.MaxViewportWidth, l.MaxViewportHeight,
		l.MaxVertexAttribs, l.MaxColorAttachments)
	fmt.Fprintln(w)
	for _, cp := range gpusafe.AllCapabilities() {
		fmt.Fprintf(w, "  %s %s\n", mark(t.Supports(cp)), cp)
	}
	if ext := t.Extensions(); len(ext) > 0 {
		fmt.Fprintln(w)
		for _, e := range ext {
			fmt.Fprintln(w, "  "+dimColor(e))
		}
	}
}

// openNoopHAL opens the noop HAL backend through haldriver. The returned
// function releases the device; it is non-nil whenever the device opened.
func openNoopHAL() (*gpusafe.Context, func(), error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "noop instance")
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, errors.New("noop backend has no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, errors.Wrap(err, "open noop adapter")
	}
	drv, err := haldriver.New(open.Device, open.Queue, haldriver.WithRenderer("noop "+adapters[0].Info.Name))
	closeHAL := func() {
		if drv != nil {
			_ = drv.Destroy()
		}
		open.Device.Destroy()
		instance.Destroy()
	}
	if err != nil {
		return nil, closeHAL, err
	}
	ctx, err := gpusafe.NewContext(drv, gpusafe.WithShaderCheck(false))
	return ctx, closeHAL, err
}
