package main

import (
	"os"

	"github.com/wasmgate/wasmgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
