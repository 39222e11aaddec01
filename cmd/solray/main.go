// Copyright 2024 The solray Authors
// This file is part of solray.
//
// solray is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// solray is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with solray. If not, see <http://www.gnu.org/licenses/>.

// solray is a transaction relay for Solana-like chains: it accepts
// client transactions and forwards them over QUIC to the current leader
// window while tracking confirmations from multiplexed block streams.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/solraylabs/solray/relay"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	identityFlag = cli.StringFlag{
		Name:  "identity",
		Usage: "Node identity as base58 private key (ephemeral if unset)",
	}
	fanoutFlag = cli.Uint64Flag{
		Name:  "fanout",
		Usage: "Number of upcoming leaders to keep connected",
		Value: relay.DefaultConfig.FanoutSlots,
	}
	proxyFlag = cli.StringFlag{
		Name:  "proxy",
		Usage: "Forward transactions through a QUIC proxy at this address",
	}
	leadersFileFlag = cli.StringFlag{
		Name:  "leaders-file",
		Usage: "Development leader schedule: one IPv4:port per line",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Persist blocks under this directory (in-memory if unset)",
	}
	grpcSourceFlag = cli.StringSliceFlag{
		Name:  "grpc-source",
		Usage: "Upstream geyser gRPC endpoint (repeatable)",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "solray"
	app.Usage = "Solana transaction relay"
	app.Flags = []cli.Flag{
		configFileFlag,
		identityFlag,
		fanoutFlag,
		proxyFlag,
		leadersFileFlag,
		dataDirFlag,
		grpcSourceFlag,
		verbosityFlag,
	}
	app.Commands = []cli.Command{
		{
			Action:      dumpConfig,
			Name:        "dumpconfig",
			Usage:       "Show configuration values",
			Description: `The dumpconfig command shows configuration values.`,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.GlobalInt(verbosityFlag.Name)), true)
	log.SetDefault(log.NewLogger(handler))

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	backend, err := relay.New(cfg, nil)
	if err != nil {
		return err
	}
	if err := backend.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)
	backend.Stop()
	return nil
}
