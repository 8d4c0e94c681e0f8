// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"

	"github.com/gogpu/gpusafe"
)

var roundtripCommand = &cli.Command{
	Name:  "roundtrip",
	Usage: "upload, GPU copy and download a buffer of every usage class",
	Flags: []cli.Flag{
		profileFlag,
		modeFlag,
		&cli.Uint64Flag{Name: "size", Value: 1024, Usage: "buffer size in bytes"},
	},
	Action: func(c *cli.Context) error {
		ctx, _, err := openContext(c)
		if err != nil {
			return err
		}
		defer ctx.Close(context.Background())

		size := c.Uint64("size")
		if size == 0 {
			return errors.New("--size must be positive")
		}
		failed := 0
		for _, usage := range []gpusafe.UsageClass{gpusafe.Static, gpusafe.Dynamic, gpusafe.Stream, gpusafe.PersistentMapped} {
			err := roundtrip(c.Context, ctx, usage, size)
			switch {
			case errors.Is(err, gpusafe.ErrCapabilityMissing):
				fmt.Fprintf(c.App.Writer, "  %s %-16s %s\n", dimColor("-"), usage, dimColor(err.Error()))
			case err != nil:
				failed++
				fmt.Fprintf(c.App.Writer, "  %s %-16s %v\n", mark(false), usage, err)
			default:
				fmt.Fprintf(c.App.Writer, "  %s %-16s %d bytes\n", mark(true), usage, size)
			}
		}
		fmt.Fprintf(c.App.Writer, "\n%s\n", dimColor(ctx.Fences().Stats().String()))
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d round trips failed", failed), 1)
		}
		return nil
	},
}

// roundtrip fills a buffer of the given usage, copies it on the GPU into
// a Dynamic buffer and reads that back.
func roundtrip(ctx context.Context, c *gpusafe.Context, usage gpusafe.UsageClass, size uint64) error {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + int(usage))
	}

	desc := gpusafe.BufferDescriptor{
		Label: "roundtrip-" + usage.String(),
		Size:  size,
		Usage: usage,
		Bind:  gpusafe.BindCopySrc,
	}
	if usage == gpusafe.Static {
		desc.Data = data
	}
	src, err := c.NewBuffer(desc)
	if err != nil {
		return err
	}
	defer src.Release()
	if usage != gpusafe.Static {
		if err := c.Upload(ctx, src, 0, data); err != nil {
			return errors.Wrap(err, "upload")
		}
	}

	dst, err := c.NewBuffer(gpusafe.BufferDescriptor{
		Label: "roundtrip-readback",
		Size:  size,
		Usage: gpusafe.Dynamic,
		Bind:  gpusafe.BindCopyDst,
	})
	if err != nil {
		return err
	}
	defer dst.Release()

	if _, err := c.CopyBuffer(src, 0, dst, 0, size); err != nil {
		return errors.Wrap(err, "copy")
	}
	got, err := c.Download(ctx, dst, 0, size)
	if err != nil {
		return errors.Wrap(err, "download")
	}
	if !bytes.Equal(got, data) {
		return errors.Newf("read back differs at byte %d", firstDiff(got, data))
	}
	return nil
}

func firstDiff(a, b []byte) int {
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}
