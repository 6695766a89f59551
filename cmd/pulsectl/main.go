package main

import (
	"fmt"
	"os"

	"pulsespace/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := cli.NewRootCommand(version, commit).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
