// Package main provides the xirs CLI entry point.
// xirs exchanges signed clinic packets between offline stations as QR chunks.
package main

import (
	"fmt"
	"os"

	"github.com/xirs/xirs/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
