// Package main starts the matchwatch process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	matchwatchcmd "github.com/drblury/matchwatch/internal/cmd/matchwatch"
)

func main() {
	cfg, err := matchwatchcmd.ParseConfig(pflag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[MATCHWATCH] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := matchwatchcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("matchwatch stopped: %v", err)
	}
}
