package main

import (
	"os"

	"github.com/tipsy-mixer/tipsy/cmd/tipsy/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
