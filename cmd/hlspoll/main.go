// Package main is the entry point for the hlspoll CLI.
package main

import (
	"os"

	"github.com/jmylchreest/hlspoll/cmd/hlspoll/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
