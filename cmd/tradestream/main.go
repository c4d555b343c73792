package main

import (
	"os"

	"github.com/atfleming/tradestream/cmd/tradestream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
