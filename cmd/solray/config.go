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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/solraylabs/solray/blockmux"
	"github.com/solraylabs/solray/relay"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type solrayConfig struct {
	Relay relay.Config
}

func loadConfig(file string, cfg *solrayConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig merges defaults, the optional TOML file and command line
// flags, in that order.
func makeConfig(ctx *cli.Context) (relay.Config, error) {
	cfg := solrayConfig{Relay: relay.DefaultConfig}

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return relay.Config{}, err
		}
	}

	if ctx.GlobalIsSet(identityFlag.Name) {
		cfg.Relay.Identity = ctx.GlobalString(identityFlag.Name)
	}
	if ctx.GlobalIsSet(fanoutFlag.Name) {
		cfg.Relay.FanoutSlots = ctx.GlobalUint64(fanoutFlag.Name)
	}
	if ctx.GlobalIsSet(proxyFlag.Name) {
		cfg.Relay.ProxyAddr = ctx.GlobalString(proxyFlag.Name)
	}
	if ctx.GlobalIsSet(leadersFileFlag.Name) {
		cfg.Relay.LeadersFile = ctx.GlobalString(leadersFileFlag.Name)
	}
	if ctx.GlobalIsSet(dataDirFlag.Name) {
		cfg.Relay.DataDir = ctx.GlobalString(dataDirFlag.Name)
	}
	for i, addr := range ctx.GlobalStringSlice(grpcSourceFlag.Name) {
		cfg.Relay.Sources = append(cfg.Relay.Sources, blockmux.SourceConfig{
			Label: fmt.Sprintf("grpc-%d", i),
			Addr:  addr,
		})
	}
	return cfg.Relay, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&solrayConfig{Relay: cfg})
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}
