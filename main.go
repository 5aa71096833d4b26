package main

import (
	"os"

	"github.com/aikb/aikb/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
