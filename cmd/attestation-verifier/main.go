// Command attestation-verifier runs the server side of the TPM 2.0 remote
// attestation protocol: it validates a client's Quote and event log
// against its Endorsement Key and Attestation Key, consults an external
// policy verifier, and seals the approved payload behind a
// credential-activation challenge only that TPM can answer.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gaurav137/tpm-verifier/pkg/attestation"
)

func main() {
	addr := flag.String("addr", "", "listen address (host:port), overrides the config file")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := log.New(os.Stdout, "[attestation-verifier] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := attestation.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	server := attestation.NewServer(cfg, logger)

	logger.Printf("listening on %s (binDir=%s)", cfg.ListenAddr, cfg.BinDir)
	fmt.Fprintf(os.Stdout, "attestation-verifier listening on %s\n", cfg.ListenAddr)
	logger.Fatal(http.ListenAndServe(cfg.ListenAddr, server.Router()))
}
