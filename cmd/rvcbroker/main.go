// Package main provides the rvcbroker command.
//
// Usage:
//
//	rvcbroker [flags] <command> [args]
//
// Commands:
//
//	serve       - Run the local HTTP, gRPC health and NATS services
//	convert     - Convert one audio file with a voice model
//	synthesize  - Produce speech from text
//	models      - List the installed voice models
package main

import (
	"fmt"
	"os"

	"github.com/ekisa-team/rvcbroker/cmd/rvcbroker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
