// Package main provides the entry point for the pdindex CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/pdindex/cmd/pdindex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
