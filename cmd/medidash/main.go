package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Commands report their own failures; what lands here is
		// cobra's usage errors, already printed to stderr.
		os.Exit(1)
	}
}
