package main

import (
	"os"

	"github.com/km-arc/go-mc/app"
	fwapp "github.com/km-arc/go-mc/framework/app"
	"github.com/km-arc/go-mc/framework/console"
)

func main() {
	// Beans without a module load from the bundled classes; "app" selects
	// them explicitly.
	mod := app.Module()
	if err := console.Execute(fwapp.WithLoader(mod), fwapp.WithModule("app", mod)); err != nil {
		os.Exit(1)
	}
}
