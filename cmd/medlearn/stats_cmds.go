package main

import (
	"github.com/spf13/cobra"
)

var statsBlock string

var statsCmd = &cobra.Command{
	Use:   "stats [user-id]",
	Short: "Learner analytics: overview and per-theme breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		overview, err := app.store.Overview(ctx, args[0])
		if err != nil {
			return err
		}
		themes, err := app.store.ThemeBreakdowns(ctx, args[0], statsBlock)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"overview": overview,
			"themes":   themes,
		})
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsBlock, "block", "", "restrict the theme breakdown to one block")
}
