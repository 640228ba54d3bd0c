// The main package for the fanout executable.
package main

import (
	"github.com/JakeFAU/site-summary-fanout/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
