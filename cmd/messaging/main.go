// Package main starts the messaging service and handles termination.
//
// The process hosts the conversation cache, the SQLite store behind it,
// and the WebSocket gateway that feeds both.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	messagingcmd "github.com/wavelen/talkback/internal/cmd/messaging"
)

func main() {
	cfg, err := messagingcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[MESSAGING] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := messagingcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
