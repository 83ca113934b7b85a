// roomhive is a peer-to-peer room rental node: a marketplace of listings
// and bookings with direct chat and camera/mic calls between hosts and
// guests, no central server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/roomhive/roomhive/internal/app"
)

var version = "dev"

func main() {
	dir := flag.String("dir", ".", "peer data directory")
	cfgPath := flag.String("config", "", "config file path (default <dir>/config.json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("roomhive", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *dir, *cfgPath); err != nil {
		log.Fatalf("roomhive: %v", err)
	}
}
