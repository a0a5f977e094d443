// Command rtctl launches instrumented programs on a trace pipe and inspects
// what they send back.
package main

import (
	"os"

	"github.com/OriD-19/trazor_rt/cmd/rtctl/command"
)

func main() {
	if err := command.RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
