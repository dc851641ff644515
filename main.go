package main

import (
	"github.com/cortexmind/cortex/cmd"
)

// main is the entry point for the cortex agent.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
