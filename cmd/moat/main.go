// Package main is the entry point for the moat operator CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "moat: %v\n", err)
		os.Exit(1)
	}
}
