// The main package for the bupt-messager executable.
package main

import (
	"github.com/Berailitz/bupt-messager/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
