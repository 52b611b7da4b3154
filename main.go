// The main package for the dealshuttle executable.
package main

import (
	// Artifact dates use a named zone; embed the database for minimal images.
	_ "time/tzdata"

	"github.com/JakeFAU/dealshuttle/cmd"
)

func main() {
	cmd.Execute()
}
