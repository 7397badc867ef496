package main

import (
	"os"

	"github.com/commontrace/commontrace/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
