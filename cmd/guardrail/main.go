package main

import (
	"os"

	"github.com/rustyeddy/guardrail/cmd/guardrail/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
