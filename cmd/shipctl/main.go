package main

import (
	"fmt"
	"os"

	"github.com/blackwell-systems/shipctl/internal/app"
)

func main() {
	if err := app.ExecuteAs(os.Args[0], os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
