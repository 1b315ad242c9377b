package main

import (
	"os"

	"github.com/joho/godotenv"
)

// Version information, injected at build time via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

func main() {
	// .env is optional; agents often carry TEAMBOOK_* settings there.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
