package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nildb/nildb/internal/model"
)

func init() {
	params := newCommonParams()

	stats := &cobra.Command{
		Use:   "stats <schema-id>",
		Short: "Show the statistics of a schema's collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			s, err := n.schemas.Get(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := n.schemas.GetCollectionStats(ctx, s.ID)
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), s, st)
		},
	}

	addCommonFlags(stats.Flags(), params)
	RootCommand.AddCommand(stats)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printStats(w io.Writer, s *model.Schema, st model.CollectionStats) error {
	table := tablewriter.NewWriter(w)
	table.Header("Schema", "Name", "Type", "Records", "Size", "First write", "Last write")
	if err := table.Append(s.ID, s.Name, string(s.DocumentType), strconv.FormatInt(st.Count, 10), strconv.FormatInt(st.Size, 10), timestamp(st.FirstWrite), timestamp(st.LastWrite)); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(st.Indexes) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	indexes := tablewriter.NewWriter(w)
	indexes.Header("Index", "Keys", "Unique")
	for _, idx := range st.Indexes {
		keys := make([]string, len(idx.Keys))
		for i, k := range idx.Keys {
			keys[i] = fmt.Sprintf("%s:%d", k.Field, k.Direction)
		}
		if err := indexes.Append(idx.Name, strings.Join(keys, ", "), strconv.FormatBool(idx.Unique)); err != nil {
			return err
		}
	}
	return indexes.Render()
}
