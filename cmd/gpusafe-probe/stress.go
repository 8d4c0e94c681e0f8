// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpusafe"
)

var stressCommand = &cli.Command{
	Name:  "stress",
	Usage: "map buffers from many goroutines while one goroutine submits copies",
	Flags: []cli.Flag{
		profileFlag,
		modeFlag,
		&cli.IntFlag{Name: "workers", Value: 4, Usage: "mapping goroutines"},
		&cli.IntFlag{Name: "iterations", Value: 100, Usage: "round trips per worker"},
		&cli.IntFlag{Name: "max-fences", Value: 8, Usage: "outstanding fence cap"},
	},
	Action: func(c *cli.Context) error {
		ctx, _, err := openContext(c, gpusafe.WithMaxOutstandingFences(c.Int("max-fences")))
		if err != nil {
			return err
		}
		defer ctx.Close(context.Background())

		start := time.Now()
		if err := stress(c.Context, ctx, c.Int("workers"), c.Int("iterations")); err != nil {
			return err
		}
		s := ctx.Stats()
		fmt.Fprintf(c.App.Writer, "%s %d workers x %d iterations in %v\n",
			mark(true), c.Int("workers"), c.Int("iterations"), time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(c.App.Writer, "%s\n", dimColor(s.Fences.String()))
		p := ctx.Pipeline().Stats()
		fmt.Fprintf(c.App.Writer, "%s\n", dimColor(fmt.Sprintf("copies=%d", p.Copies)))
		return nil
	},
}

const stressBufferSize = 256

// copyRequest asks the submitting goroutine for a GPU copy.
type copyRequest struct {
	src, dst *gpusafe.Buffer
	done     chan copyResult
}

type copyResult struct {
	tok *gpusafe.FenceToken
	err error
}

// stress runs workers that each fill their own buffer through a mapping,
// have it copied on the GPU and verify the copy through a read mapping.
// Only the submitter goroutine issues GPU commands; mappings and fence
// waits run concurrently.
func stress(parent context.Context, c *gpusafe.Context, workers, iterations int) error {
	if workers < 1 || iterations < 1 {
		return errors.New("--workers and --iterations must be positive")
	}
	type pair struct{ src, dst *gpusafe.Buffer }
	pairs := make([]pair, workers)
	for i := range pairs {
		src, err := c.NewBuffer(gpusafe.BufferDescriptor{
			Label: fmt.Sprintf("stress-src-%d", i), Size: stressBufferSize,
			Usage: gpusafe.Dynamic, Bind: gpusafe.BindCopySrc,
		})
		if err != nil {
			return err
		}
		dst, err := c.NewBuffer(gpusafe.BufferDescriptor{
			Label: fmt.Sprintf("stress-dst-%d", i), Size: stressBufferSize,
			Usage: gpusafe.Dynamic, Bind: gpusafe.BindCopyDst,
		})
		if err != nil {
			return err
		}
		pairs[i] = pair{src, dst}
	}
	defer func() {
		for _, p := range pairs {
			_ = p.src.Release()
			_ = p.dst.Release()
		}
	}()

	requests := make(chan copyRequest)
	submitter, sctx := errgroup.WithContext(parent)
	submitter.Go(func() error {
		for {
			select {
			case req, ok := <-requests:
				if !ok {
					return nil
				}
				tok, err := c.CopyBuffer(req.src, 0, req.dst, 0, stressBufferSize)
				req.done <- copyResult{tok, err}
			case <-sctx.Done():
				return nil
			}
		}
	})

	g, gctx := errgroup.WithContext(sctx)
	for w, p := range pairs {
		g.Go(func() error {
			want := make([]byte, stressBufferSize)
			done := make(chan copyResult, 1)
			for it := range iterations {
				for i := range want {
					want[i] = byte(w*7 + it + i)
				}
				m, err := c.MapWrite(gctx, p.src)
				if err != nil {
					return errors.Wrapf(err, "worker %d iteration %d", w, it)
				}
				copy(m.Bytes(), want)
				if err := m.Release(); err != nil {
					return err
				}

				select {
				case requests <- copyRequest{src: p.src, dst: p.dst, done: done}:
				case <-gctx.Done():
					return gctx.Err()
				}
				var res copyResult
				select {
				case res = <-done:
				case <-gctx.Done():
					return gctx.Err()
				}
				if res.err != nil {
					return errors.Wrapf(res.err, "worker %d copy", w)
				}

				r, err := c.MapRead(gctx, p.dst)
				if err != nil {
					return errors.Wrapf(err, "worker %d iteration %d", w, it)
				}
				ok := bytes.Equal(r.Bytes(), want)
				if err := r.Release(); err != nil {
					return err
				}
				if !ok {
					return errors.Newf("worker %d iteration %d: copy read back wrong data", w, it)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	close(requests)
	if serr := submitter.Wait(); err == nil {
		err = serr
	}
	return err
}
