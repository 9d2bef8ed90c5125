// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package main implements the csaf mirror tool.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/advmirror/advmirror/internal/commands"
	"github.com/advmirror/advmirror/pkg/options"
	"github.com/advmirror/advmirror/walker"
)

const version = "1.0.0"

func main() {
	args, cfg, err := commands.ParseArgsConfig(os.Args[1:], version)
	options.ErrorCheck(err)
	options.ErrorCheck(cfg.Prepare())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := commands.NewProcessor(walker.KindCSAF, cfg)
	options.ErrorCheck(p.Run(ctx, args))
}
