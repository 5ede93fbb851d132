// Command fusecache-refserver runs the reference object store used to
// exercise a fusecached mount without a real backend.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fusecache/fusecache/internal/refserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fusecache-refserver:", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("fusecache-refserver", pflag.ContinueOnError)

	address := flagSet.String("address", "localhost:8080", "address to listen on")
	root := flagSet.String("root", "", "directory backing the object store (required)")
	cors := flagSet.Bool("cors", true, "enable CORS headers")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *root == "" {
		return fmt.Errorf("-root is required")
	}

	config := refserver.DefaultServerConfig()
	config.Address = *address
	config.Root = *root
	config.EnableCORS = *cors

	server, err := refserver.NewServer(config)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	server.StartBackground()
	log.Printf("fusecache-refserver: serving %s on %s", *root, *address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("fusecache-refserver: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
