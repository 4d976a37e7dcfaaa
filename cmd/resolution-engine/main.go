// Package main defines the resolution engine entry point, a daemon that
// drives oracle events from detection through on-chain settlement.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/obscura-network/resolution-engine/config/params"
	"github.com/obscura-network/resolution-engine/node"
)

var log = logrus.WithField("prefix", "main")

func startEngine(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(params.VerbosityFlag.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	engine, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	engine.Start()
	return nil
}

func main() {
	app := &cli.App{
		Name:   "resolution-engine",
		Usage:  "drives optimistic oracle events from detection to settlement",
		Action: startEngine,
		Flags:  params.Flags(),
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(debug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
