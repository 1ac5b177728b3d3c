// The main package for the harvester executable.
package main

import (
	"github.com/JakeFAU/preprint-harvester/cmd"
)

func main() {
	cmd.Execute()
}
