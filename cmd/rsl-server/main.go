package main

import (
	"context"
	"fmt"
	"os"

	"rslserver/internal/app"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rsl-server: %v\n", err)
		os.Exit(1)
	}
	if err := application.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rsl-server: %v\n", err)
		os.Exit(1)
	}
}
