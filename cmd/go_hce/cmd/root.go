// Package cmd provides the CLI commands for the go_hce application.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "go_hce",
	Short: "Host card emulation payment engine",
	Long:  `A host card emulation engine that processes contactless payment transactions against pre-provisioned single-use key material and keeps the account replenished from the issuing host.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
