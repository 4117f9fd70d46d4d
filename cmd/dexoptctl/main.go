package main

import (
	"fmt"
	"os"

	"dexoptd/internal/dexoptctl"
)

func main() {
	if err := dexoptctl.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
