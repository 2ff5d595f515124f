// Command keypanel runs the license-key authorization server.
package main

import (
	"fmt"
	"os"

	"keypanel/internal/app"
	"keypanel/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keypanel: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keypanel: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "keypanel: %v\n", err)
		os.Exit(1)
	}
}
