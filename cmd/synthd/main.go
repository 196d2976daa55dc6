package main

import (
	"os"

	"github.com/dverbeek/synthd/cmd/synthd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
