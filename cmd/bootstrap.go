package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nildb/nildb/internal/bus"
)

func init() {
	params := newCommonParams()

	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the node's own account, schema and query if missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := params.load()
			if err != nil {
				return err
			}
			n, err := open(ctx, cfg, params.logger(os.Stderr), true)
			if err != nil {
				return err
			}
			defer n.close()

			// Nothing is published while bootstrapping.
			handlers, err := n.handlers(bus.NewMemory())
			if err != nil {
				return err
			}
			if err := handlers.EnsureAccount(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n.keys.DID())
			return err
		},
	}

	addCommonFlags(bootstrap.Flags(), params)
	RootCommand.AddCommand(bootstrap)
}
