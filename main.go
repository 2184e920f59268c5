package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownGrace = 5 * time.Second

func main() {
	host := flag.String("host", "0.0.0.0", "address to bind")
	port := flag.Int("port", 8765, "port to listen on")
	mdnsName := flag.String("mdns_name", "", "if set, advertise the server under this instance name via mDNS")
	validate := flag.Bool("validate", false, "enable full JSON-schema validation of inbound messages")
	flag.Parse()

	var validator Validator = noopValidator{}
	if *validate {
		v, err := newSchemaValidator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cwc-server: --validate: %v\n", err)
			os.Exit(1)
		}
		validator = v
	}

	var publisher Publisher = noopPublisher{}
	if *mdnsName != "" {
		publisher = &execPublisher{}
		if err := publisher.Start(*mdnsName, *port); err != nil {
			fmt.Fprintf(os.Stderr, "cwc-server: mdns: %v\n", err)
			os.Exit(1)
		}
	}

	srv := newCWCServer(validator, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("cwc-server: received %v, shutting down", sig)
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	log.Printf("cwc-server: listening on %s", addr)
	if err := srv.run(ctx, addr); err != nil {
		fmt.Fprintf(os.Stderr, "cwc-server: %v\n", err)
		os.Exit(1)
	}
}
