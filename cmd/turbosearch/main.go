package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {

	// Allow local development overrides via .env (TSC_URIS=..., TSC_MAX_RETRIES=...).
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "turbosearch",
	Short: "Command line client for clustered search engines",
	Long:  `turbosearch talks to a clustered, HTTP-addressable search engine through a pooled, retrying transport. Configuration comes from flags, TSC_* environment variables or a seasoning JSON file.`,
}
