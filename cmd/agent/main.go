// Aether agent CLI: keyless login, delegation sessions and paid agent calls.
package main

import (
	"os"

	"github.com/siddimore/aether-x402/cmd/agent/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
