// Copyright 2018-2019 The logrange Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sort"

	"github.com/jrivets/log4g"
	"github.com/kr/logfmt"
	"github.com/logrange/streamprobe/pkg/harness"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

const (
	Version = "0.1.0"
)

const (
	argLogCfgFile    = "log-config-file"
	argCfgFile       = "config-file"
	argProbeDelayMs  = "probe-delay-ms"
	argGracePeriodMs = "grace-period-ms"
	argWriteRetries  = "write-retries"
	argEndpoint      = "endpoint"
	argProbePayload  = "probe-payload"
)

type (
	// payloadProps collects k=v pairs of the probe payload flag
	payloadProps map[string]string

	// runFunc runs the harness with the config built from the command line
	runFunc func(ctx context.Context, cfg *harness.Config) error
)

var log = log4g.GetLogger("streamprobe")

func main() {
	exit(run(os.Args, os.Environ(), harness.Run))
}

// run builds the config from the default one, the config file, the command
// line flags and the environment (in this order), and calls rf with it. It
// returns the process exit code.
func run(args, environ []string, rf runFunc) int {
	cfg := harness.NewDefaultConfig()
	app := newApp(cfg, func(c *cli.Context) error {
		if err := applyParamsToCfg(c, cfg); err != nil {
			return err
		}
		if err := cfg.ApplyEnv(environ); err != nil {
			return err
		}
		return rf(context.Background(), cfg)
	})

	if err := app.Run(args); err != nil {
		log.Error("Error in main function: ", fmt.Sprintf("%+v", err))
		return 1
	}
	return 0
}

func newApp(cfg *harness.Config, action cli.ActionFunc) *cli.App {
	app := &cli.App{
		Name:    "streamprobe",
		Version: Version,
		Usage:   "Connects to a BigQuery write stream and probes it after every connection error",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  argLogCfgFile,
				Usage: "The log4g configuration file name",
			},
			&cli.StringFlag{
				Name:  argCfgFile,
				Usage: "The streamprobe configuration file name, JSON or YAML",
			},
			&cli.IntFlag{
				Name:  argProbeDelayMs,
				Usage: "Delay between a connection error and the delayed probe, in milliseconds",
				Value: cfg.Stream.ProbeDelayMs,
			},
			&cli.IntFlag{
				Name:  argGracePeriodMs,
				Usage: "Time to wait after the connection is closed before exit, in milliseconds",
				Value: cfg.Shutdown.GracePeriodMs,
			},
			&cli.BoolFlag{
				Name:  argWriteRetries,
				Usage: "Re-send in-flight appends when the stream fails with a retryable error",
				Value: cfg.Transport.EnableWriteRetries,
			},
			&cli.StringFlag{
				Name:  argEndpoint,
				Usage: "The write API endpoint host:port, the default one is used if empty",
			},
			&cli.StringFlag{
				Name:  argProbePayload,
				Usage: "Extra probe payload properties in logfmt, e.g. 'env=staging host=a1'",
			},
		},
		Before: func(c *cli.Context) error {
			return before(c, cfg)
		},
		Action: action,
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	return app
}

// exit is the only way the process terminates. It logs the code and the
// caller stack, so the reason of the exit is always visible.
func exit(code int) {
	log.Info("exit called with code ", code)
	log.Info("stack: ", string(debug.Stack()))
	log4g.Shutdown()
	os.Exit(code)
}

func before(c *cli.Context, cfg *harness.Config) error {
	logCfgFile := c.String(argLogCfgFile)
	if logCfgFile != "" {
		if _, err := os.Stat(logCfgFile); os.IsNotExist(err) {
			log.Warn("No file ", logCfgFile, " will use default log4g configuration")
		} else {
			log.Info("Loading log4g config from ", logCfgFile)
			err := log4g.ConfigF(logCfgFile)
			if err != nil {
				return errors.Wrapf(err, "Could not parse %s file as a log4g configuration, please check syntax ", logCfgFile)
			}
		}
	}

	cfgFile := c.String(argCfgFile)
	if cfgFile != "" {
		fc, err := harness.LoadCfgFromFile(cfgFile)
		if err != nil {
			return err
		}
		// overwrite default settings from file
		cfg.Apply(fc)
	}
	return nil
}

// applyParamsToCfg overwrites cfg with the flags which differ from their
// defaults
func applyParamsToCfg(c *cli.Context, cfg *harness.Config) error {
	dc := harness.NewDefaultConfig()
	if pd := c.Int(argProbeDelayMs); dc.Stream.ProbeDelayMs != pd {
		cfg.Stream.ProbeDelayMs = pd
	}
	if gp := c.Int(argGracePeriodMs); dc.Shutdown.GracePeriodMs != gp {
		cfg.Shutdown.GracePeriodMs = gp
	}
	if c.IsSet(argWriteRetries) {
		cfg.Transport.EnableWriteRetries = c.Bool(argWriteRetries)
	}
	if ep := c.String(argEndpoint); ep != "" {
		cfg.Transport.Endpoint = ep
	}
	if pp := c.String(argProbePayload); pp != "" {
		props := make(payloadProps)
		if err := logfmt.Unmarshal([]byte(pp), props); err != nil {
			return errors.Wrapf(err, "could not parse --%s=%q", argProbePayload, pp)
		}
		if cfg.Stream.ProbePayload == nil {
			cfg.Stream.ProbePayload = make(map[string]string, len(props))
		}
		for k, v := range props {
			cfg.Stream.ProbePayload[k] = v
		}
	}
	return nil
}

// HandleLogfmt is part of logfmt.Handler
func (pp payloadProps) HandleLogfmt(key, val []byte) error {
	pp[string(key)] = string(val)
	return nil
}
