// The main package for the quarryd executable.
package main

import (
	"github.com/quarryd/quarryd/cmd"
)

func main() {
	cmd.Execute()
}
