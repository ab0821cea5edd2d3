package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage payment wallets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a fresh EVM wallet and print its address and private key",
		Long: "Fund the printed address with USDC on Base, then export the key as PRIVATE_KEY " +
			"or pass it as ?key= when connecting over HTTP.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, key, err := generateWalletFunc()
			if err != nil {
				return fmt.Errorf("generate wallet: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"address":     identity.Address().Hex(),
				"private_key": key,
			})
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
