package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medlearn/internal/types"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run background maintenance jobs",
}

var jobsRecomputeCmd = &cobra.Command{
	Use:   "recompute [user-id]",
	Short: "Rebuild mastery scores from attempt history",
	Long: `With a user id, rebuilds that learner's mastery scores. Without one,
recomputes the whole active cohort under a job lock with bounded
parallelism.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if err := app.pipeline.RecomputeUser(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("recomputed %s\n", args[0])
			return nil
		}
		if err := app.pipeline.RecomputeCohort(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("cohort recompute finished")
		return nil
	},
}

var jobsRecenterCmd = &cobra.Command{
	Use:   "recenter",
	Short: "Recenter Elo ratings if the item mean has drifted",
	RunE: func(cmd *cobra.Command, args []string) error {
		shift, err := app.pipeline.RecenterIfNeeded(cmd.Context())
		if err != nil {
			return err
		}
		if shift == 0 {
			fmt.Println("no recenter needed")
			return nil
		}
		fmt.Printf("recentered: shift=%.4f\n", shift)
		return nil
	},
}

var jobsJanitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Close stale RUNNING run-log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		closed, err := app.pipeline.FailStaleRuns(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("closed %d stale runs\n", closed)
		return nil
	},
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent algorithm runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := types.RunStatus(runsStatus)
		runs, err := app.store.ListRuns(cmd.Context(), status, 50)
		if err != nil {
			return err
		}
		return printJSON(runs)
	},
}

var runsStatus string

func init() {
	jobsRunsCmd.Flags().StringVar(&runsStatus, "status", "", "filter: RUNNING, SUCCESS or FAILED")
	jobsCmd.AddCommand(jobsRecomputeCmd, jobsRecenterCmd, jobsJanitorCmd, jobsRunsCmd)
}
