// Package main starts the stator sync server and handles termination.
//
// The process owns canonical application state and pushes patches to
// connected clients; everything stateful lives behind the storage port.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	statordcmd "github.com/statorhq/stator/internal/cmd/statord"
)

func main() {
	cfg, err := statordcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[STATORD] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := statordcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
