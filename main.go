// The main package for the annotator executable.
package main

import (
	"github.com/JakeFAU/page-annotator/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
