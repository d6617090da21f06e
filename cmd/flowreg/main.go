package main

import (
	"os"

	"github.com/yairfalse/flowreg/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
