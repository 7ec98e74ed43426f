// Package main provides the entry point for the fastsearch CLI.
package main

import (
	"os"

	"github.com/xiaojinlii/fastsearch/cmd/fastsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
