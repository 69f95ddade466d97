package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medlearn/internal/runtime"
	"medlearn/internal/types"
)

var (
	switchReason  string
	switchConfirm string
	overrideVer   string
	approvePhrase string
)

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Inspect and mutate the algorithm control plane",
}

var runtimeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active profile, overrides, freeze and exam flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := app.runtime.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(rc)
	},
}

var runtimeSwitchCmd = &cobra.Command{
	Use:   "switch [V1_PRIMARY|V0_FALLBACK]",
	Short: "Switch the active algorithm profile",
	Long: `Switches every module to the target profile's default versions in one
atomic step. Requires a reason and the exact confirmation phrase for the
target profile; under two-person mode the switch must go through an
approval instead (see "runtime approval request").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		target := types.Profile(args[0])
		err := app.runtime.SwitchProfile(cmd.Context(), actor, target, switchReason, switchConfirm)
		if err != nil {
			return err
		}
		fmt.Printf("profile switched to %s\n", target)
		return nil
	},
}

var runtimeOverrideCmd = &cobra.Command{
	Use:   "override [module]",
	Short: "Pin one module to a version (v0, v1, shadow) or clear the pin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		module := types.ModuleName(args[0])
		if overrideVer == "" {
			if err := app.runtime.ClearOverride(cmd.Context(), actor, module, switchReason); err != nil {
				return err
			}
			fmt.Printf("override cleared for %s\n", module)
			return nil
		}
		version := types.ModuleVersion(overrideVer)
		if err := app.runtime.SetOverride(cmd.Context(), actor, module, version, switchReason); err != nil {
			return err
		}
		fmt.Printf("%s pinned to %s\n", module, version)
		return nil
	},
}

var runtimeFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Freeze all knowledge-state writes (sessions keep running)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		if err := app.runtime.Freeze(cmd.Context(), actor, switchReason); err != nil {
			return err
		}
		fmt.Println("updates frozen")
		return nil
	},
}

var runtimeUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze",
	Short: "Resume knowledge-state writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		if err := app.runtime.Unfreeze(cmd.Context(), actor, switchReason); err != nil {
			return err
		}
		fmt.Println("updates resumed")
		return nil
	},
}

var runtimeExamCmd = &cobra.Command{
	Use:   "exam-mode [on|off]",
	Short: "Toggle platform-wide exam mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		on := args[0] == "on"
		if err := app.runtime.SetExamMode(cmd.Context(), actor, on, switchReason); err != nil {
			return err
		}
		fmt.Printf("exam mode %s\n", args[0])
		return nil
	},
}

var runtimeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent control-plane switch events",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := app.store.ListSwitchEvents(cmd.Context(), 50)
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Two-person approval workflow for high-risk actions",
}

var approvalRequestCmd = &cobra.Command{
	Use:   "request [action]",
	Short: "File an approval request for a high-risk action",
	Long: `Actions: PROFILE_SWITCH_PRIMARY, PROFILE_SWITCH_FALLBACK, IRT_ACTIVATE,
ELASTICSEARCH_ENABLE, NEO4J_ENABLE, SNOWFLAKE_EXPORT_ENABLE.
The request carries the same confirmation phrase the direct call would;
a different admin must approve it with the phrase repeated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		action := types.ActionType(args[0])
		req, err := app.runtime.RequestApproval(cmd.Context(), actor, action, "{}", switchReason, switchConfirm)
		if err != nil {
			return err
		}
		return printJSON(req)
	},
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve and execute a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		req, err := app.runtime.Approve(cmd.Context(), args[0], actor, approvePhrase)
		if err != nil {
			return err
		}
		return printJSON(req)
	},
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminGate(cmd); err != nil {
			return err
		}
		req, err := app.runtime.Reject(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		return printJSON(req)
	},
}

var runtimePhraseCmd = &cobra.Command{
	Use:   "phrase [action]",
	Short: "Show the confirmation phrase an action requires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase := runtime.ConfirmationPhrase(types.ActionType(args[0]))
		if phrase == "" {
			return fmt.Errorf("unknown action %q", args[0])
		}
		fmt.Println(phrase)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{
		runtimeSwitchCmd, runtimeOverrideCmd, runtimeFreezeCmd,
		runtimeUnfreezeCmd, runtimeExamCmd, approvalRequestCmd,
	} {
		c.Flags().StringVar(&switchReason, "reason", "", "audited reason for the change (required)")
	}
	runtimeSwitchCmd.Flags().StringVar(&switchConfirm, "confirm", "", "exact confirmation phrase")
	approvalRequestCmd.Flags().StringVar(&switchConfirm, "confirm", "", "exact confirmation phrase")
	approvalApproveCmd.Flags().StringVar(&approvePhrase, "confirm", "", "exact confirmation phrase")
	runtimeOverrideCmd.Flags().StringVar(&overrideVer, "version", "", "target version (empty clears the override)")

	approvalCmd.AddCommand(approvalRequestCmd, approvalApproveCmd, approvalRejectCmd)
	runtimeCmd.AddCommand(
		runtimeStatusCmd, runtimeSwitchCmd, runtimeOverrideCmd,
		runtimeFreezeCmd, runtimeUnfreezeCmd, runtimeExamCmd,
		runtimeHistoryCmd, runtimePhraseCmd, approvalCmd,
	)
}
