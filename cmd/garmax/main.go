package main

import (
	"context"
	"fmt"
	"os"

	"github.com/garmaxai/backend/internal/app"
)

func main() {
	ctx := context.Background()
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "garmax:", err)
		os.Exit(1)
	}
}
