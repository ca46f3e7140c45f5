// Package main is the entry point for the keysync service.
package main

import (
	"os"

	"github.com/jmylchreest/keysync/cmd/keysync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
