// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command gpusafe-probe exercises gpusafe against a simulated driver.
//
// Usage:
//
//	gpusafe-probe caps --profile es20
//	gpusafe-probe roundtrip --profile gl33 --size 4096
//	gpusafe-probe stress --workers 8 --iterations 200
//
// A profile is a builtin name (gl46, gl33, gl21-storage, es32, es20, gl14)
// or the path of a TOML profile file.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/gogpu/gpusafe"
	"github.com/gogpu/gpusafe/driver/sim"
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	failColor = color.New(color.FgHiRed).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
	headColor = color.New(color.Bold).SprintFunc()
)

var (
	profileFlag = &cli.StringFlag{
		Name:    "profile",
		Aliases: []string{"p"},
		Value:   "gl46",
		Usage:   "builtin profile name or TOML profile file",
		EnvVars: []string{"GPUSAFE_PROFILE"},
	}
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Value: "onwait",
		Usage: "queue execution mode: onwait or immediate",
	}
	configFlag = &cli.PathFlag{
		Name:    "config",
		Usage:   "gpusafe TOML config file",
		EnvVars: []string{"GPUSAFE_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Value: "warn",
		Usage: "debug, info, warn or error",
	}
)

func main() {
	app := &cli.App{
		Name:  "gpusafe-probe",
		Usage: "probe gpusafe against simulated drivers",
		Flags: []cli.Flag{logLevelFlag, configFlag},
		Before: func(c *cli.Context) error {
			return setupLogging(c.String(logLevelFlag.Name))
		},
		Commands: []*cli.Command{
			capsCommand,
			roundtripCommand,
			stressCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, failColor("error:"), err)
		os.Exit(1)
	}
}

// setupLogging routes the gpusafe package logger through charmbracelet/log.
func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           lvl,
		Prefix:          "gpusafe",
	})
	gpusafe.SetLogger(slog.New(handler))
	return nil
}

// loadProfile resolves a builtin name or a profile file.
func loadProfile(name string) (sim.Profile, error) {
	if strings.HasSuffix(name, ".toml") || strings.ContainsRune(name, os.PathSeparator) {
		return sim.LoadProfile(name)
	}
	return sim.Builtin(name)
}

func parseMode(s string) (sim.Mode, error) {
	switch s {
	case "onwait":
		return sim.ModeOnWait, nil
	case "immediate":
		return sim.ModeImmediate, nil
	default:
		return 0, errors.Newf("unknown mode %q (want onwait or immediate)", s)
	}
}

// openContext builds a simulated driver and a Context from the flags.
func openContext(c *cli.Context, extra ...gpusafe.ContextOption) (*gpusafe.Context, *sim.Driver, error) {
	p, err := loadProfile(c.String(profileFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	mode, err := parseMode(c.String(modeFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	var opts []gpusafe.ContextOption
	if path := c.Path(configFlag.Name); path != "" {
		cfg, err := gpusafe.LoadConfig(path)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, gpusafe.WithConfig(cfg))
	}
	opts = append(opts, extra...)

	drv := sim.New(p, sim.WithMode(mode))
	ctx, err := gpusafe.NewContext(drv, opts...)
	if err != nil {
		return nil, nil, err
	}
	return ctx, drv, nil
}

func mark(ok bool) string {
	if ok {
		return okColor("✓")
	}
	return failColor("✗")
}
