package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nildb/nildb/internal/progress"
	"github.com/nildb/nildb/internal/reconcile"
)

func init() {
	params := newCommonParams()
	var quiet bool

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair owner references of owned records once",
		Long: `Compare the owned records of every schema with the references in their
owners' user documents. Missing references are attached; references to
records or schemas that are gone are detached.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := params.load()
			if err != nil {
				return err
			}
			n, err := open(ctx, cfg, params.logger(os.Stderr), false)
			if err != nil {
				return err
			}
			defer n.close()

			r := n.reconciler().WithProgress(func(total int) reconcile.Progress {
				return progress.New(cmd.ErrOrStderr(), total, "reconciling", !quiet)
			})
			report, err := r.Run(ctx)
			if _, perr := fmt.Fprintf(cmd.OutOrStdout(), "%d schema(s) checked, %d reference(s) attached, %d detached\n",
				report.Schemas, report.Attached, report.Detached); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}

	addCommonFlags(reconcileCmd.Flags(), params)
	reconcileCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show progress")
	RootCommand.AddCommand(reconcileCmd)
}
