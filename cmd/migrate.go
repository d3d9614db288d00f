package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	params := newCommonParams()

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := params.logger(os.Stderr)
			cfg, err := params.load()
			if err != nil {
				return err
			}
			n, err := open(cmd.Context(), cfg, log, true)
			if err != nil {
				return err
			}
			defer n.close()
			log.Infof("database is up to date")
			return nil
		},
	}

	addCommonFlags(migrate.Flags(), params)
	RootCommand.AddCommand(migrate)
}
