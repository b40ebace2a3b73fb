package main

import (
	"os"

	"github.com/imkarma/tempo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
