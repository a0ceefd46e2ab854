// Package main provides a one-shot utility for access grant key generation.
//
// It emits the asymmetric keypair used to sign and verify WebSocket access
// grants.
package main

import (
	"os"

	"github.com/duelground/duelground/internal/platform/config"
	"github.com/duelground/duelground/internal/tools/accessgrant"
)

func main() {
	if err := accessgrant.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate access grant key: %v", err)
	}
}
