// Package main provides the aptctl command-line tool.
package main

import (
	"fmt"
	"os"

	"github.com/lvonguyen/aptforge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aptctl: %v\n", err)
		os.Exit(1)
	}
}
