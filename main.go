// The main package for the registrar executable.
package main

import (
	"github.com/JakeFAU/attribution-registrar/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
