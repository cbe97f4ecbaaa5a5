package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medidash/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the API token",
	Long: `Manage the token that protects the HTTP API.

MediDash uses a single bearer token. Only its bcrypt hash is stored in
the config file; the token itself is shown once at generation time.
Clearing the token disables authentication entirely.

Examples:
  medidash token generate
  medidash token clear`,
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API token",
	Run:   runTokenGenerate,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the API token and disable authentication",
	Run:   runTokenClear,
}

func init() {
	tokenCmd.AddCommand(tokenGenerateCmd, tokenClearCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenGenerate(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	replacing := app.cfg.API.TokenHash != ""

	token, err := auth.GenerateToken()
	exitOn(err)
	hash, err := auth.HashToken(token)
	exitOn(err)

	app.cfg.API.TokenHash = hash
	exitOn(app.cfg.Save(app.dataDir))

	if jsonOutput {
		printJSON(map[string]string{"token": token})
		return
	}

	fmt.Println("API token generated:")
	fmt.Println()
	fmt.Printf("  %s\n", token)
	fmt.Println()
	fmt.Println("Store this token securely. It will not be shown again.")
	if replacing {
		fmt.Println("The previous token no longer works.")
	}
}

func runTokenClear(cmd *cobra.Command, args []string) {
	app := openEnv()
	defer app.Close()

	if app.cfg.API.TokenHash == "" {
		fmt.Println("No API token is configured.")
		return
	}

	app.cfg.API.TokenHash = ""
	exitOn(app.cfg.Save(app.dataDir))

	fmt.Println("API token cleared. The HTTP API no longer requires authentication.")
}
