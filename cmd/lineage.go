package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage <subject-id>",
	Short: "Print the lineage entries for a record or entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.EntriesBySubject(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "lineage for %s", args[0])
		}
		if len(entries) == 0 {
			return eris.Errorf("no lineage entries for %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	rootCmd.AddCommand(lineageCmd)
}
