// Package main is the entry point for the fetch task orchestrator.
package main

import (
	"fmt"
	"os"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
