// Package main mints signed handshake tokens for sync clients.
package main

import (
	"flag"
	"os"

	entrypoint "github.com/statorhq/stator/internal/platform/cmd"
	"github.com/statorhq/stator/internal/platform/config"
	"github.com/statorhq/stator/internal/tools/statortoken"
)

func main() {
	fs := flag.NewFlagSet(entrypoint.ServiceToken, flag.ExitOnError)
	cfg, err := statortoken.ParseConfig(fs, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := statortoken.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("mint token: %v", err)
	}
}
