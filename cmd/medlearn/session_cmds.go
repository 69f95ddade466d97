package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"medlearn/internal/session"
	"medlearn/internal/types"
)

var (
	sessUser     string
	sessMode     string
	sessYear     int
	sessCount    int
	sessBlocks   []string
	sessThemes   []string
	sessDuration int
	answerMark   bool
	answerTimeMS int64
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and drive practice sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session with adaptively selected questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := app.limiter.Allow(cmd.Context(), sessUser)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return fmt.Errorf("rate limited: retry in %s", d.RetryAfter)
		}

		req := session.CreateRequest{
			UserID:   sessUser,
			Mode:     types.SessionMode(sessMode),
			Year:     sessYear,
			BlockIDs: sessBlocks,
			ThemeIDs: sessThemes,
			Count:    sessCount,
		}
		if sessDuration > 0 {
			req.DurationSeconds = &sessDuration
		}
		state, err := app.sessions.Create(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session's current state (expiry applied lazily)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := app.sessions.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var sessionAnswerCmd = &cobra.Command{
	Use:   "answer [session-id] [item-id] [option-index]",
	Short: "Submit or change an answer on an active session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("option index must be 0-4: %w", err)
		}
		req := session.AnswerRequest{
			SessionID:     args[0],
			ItemID:        args[1],
			SelectedIndex: &idx,
		}
		if cmd.Flags().Changed("mark") {
			req.MarkedForReview = &answerMark
		}
		if answerTimeMS > 0 {
			req.TimeSpentMS = &answerTimeMS
		}
		view, progress, err := app.sessions.SubmitAnswer(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"answer": view, "progress": progress})
	},
}

var sessionSubmitCmd = &cobra.Command{
	Use:   "submit [session-id]",
	Short: "Submit a session for grading (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := app.sessions.Submit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var sessionReviewCmd = &cobra.Command{
	Use:   "review [session-id]",
	Short: "Review a finished session: correct answers and explanations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := app.sessions.Review(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate [session-id]",
	Short: "Administratively terminate an active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		state, err := app.sessions.Terminate(cmd.Context(), args[0], actor, switchReason)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list [user-id]",
	Short: "List a learner's recent sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := app.sessions.ListRecent(cmd.Context(), args[0], 20)
		if err != nil {
			return err
		}
		return printJSON(rows)
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessUser, "user", "", "learner id (required)")
	sessionCreateCmd.Flags().StringVar(&sessMode, "mode", "TUTOR", "TUTOR, EXAM or REVISION")
	sessionCreateCmd.Flags().IntVar(&sessYear, "year", 1, "year of study")
	sessionCreateCmd.Flags().IntVar(&sessCount, "count", 10, "number of questions")
	sessionCreateCmd.Flags().StringSliceVar(&sessBlocks, "blocks", nil, "block ids to draw from")
	sessionCreateCmd.Flags().StringSliceVar(&sessThemes, "themes", nil, "optional theme filter")
	sessionCreateCmd.Flags().IntVar(&sessDuration, "duration", 0, "time limit in seconds (0 = untimed)")
	_ = sessionCreateCmd.MarkFlagRequired("user")

	sessionAnswerCmd.Flags().BoolVar(&answerMark, "mark", false, "toggle mark-for-review")
	sessionAnswerCmd.Flags().Int64Var(&answerTimeMS, "time-ms", 0, "client-reported time on question")

	sessionTerminateCmd.Flags().StringVar(&switchReason, "reason", "", "audited reason (required)")

	sessionCmd.AddCommand(
		sessionCreateCmd, sessionShowCmd, sessionAnswerCmd,
		sessionSubmitCmd, sessionReviewCmd, sessionTerminateCmd,
		sessionListCmd,
	)
}
