package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nildb/nildb/internal/identity"
)

func init() {
	var asJSON bool

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node keypair",
		Long: `Generate a secp256k1 keypair for a node.

Put the private key into node.private_key of the configuration, or into an
environment variable referenced from there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := identity.Generate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]string{
					"private_key": keys.PrivateKeyHex(),
					"public_key":  keys.PublicKeyHex(),
					"did":         keys.DID(),
				})
			}
			_, err = fmt.Fprintf(out, "private key: %s\npublic key:  %s\ndid:         %s\n", keys.PrivateKeyHex(), keys.PublicKeyHex(), keys.DID())
			return err
		},
	}

	keygen.Flags().BoolVar(&asJSON, "json", false, "print the keypair as JSON")
	RootCommand.AddCommand(keygen)
}
