// Package main provides a utility to generate a token signing key.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tendant/mcp-oauth-server/internal/crypto"
)

func main() {
	alg := flag.String("alg", crypto.AlgRS256, "Signing algorithm (RS256 or ES256)")
	out := flag.String("out", "signing-key.pem", "Path of the private key PEM to write")
	force := flag.Bool("force", false, "Overwrite an existing key file")
	flag.Parse()

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			log.Fatalf("%s already exists; use -force to overwrite it", *out)
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to check %s: %v", *out, err)
		}
	}

	kp, err := crypto.GenerateKeyPair(*alg)
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	if err := crypto.WriteKeyPair(*out, kp); err != nil {
		log.Fatalf("Failed to write key: %v", err)
	}

	fmt.Printf("Generated %s key\n", kp.Alg)
	fmt.Printf("  File: %s\n", *out)
	fmt.Printf("  Key ID: %s\n", kp.Kid)
	fmt.Println("\nPublic key:")
	fmt.Print(string(kp.PublicKeyPEM))
	fmt.Printf("\nStart the server with:\n  MCP_AUTH_SIGNING_ALGORITHM=%s MCP_AUTH_SIGNING_KEY_FILE=%s\n", kp.Alg, *out)
}
