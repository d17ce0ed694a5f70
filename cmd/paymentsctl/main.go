package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "paymentsctl",
		Short:        "Operator tooling for school payments",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(generateKeyCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(setCredentialsCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(recomputeInvoiceCmd())
	return rootCmd
}
