package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/powermode/internal/session"
)

func newValidateCmd() *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a plan file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := session.LoadPlanFile(planPath)
			if err != nil {
				return err
			}
			if plan.Preset != "" {
				if _, err := session.LookupPreset(plan.Preset); err != nil {
					return fmt.Errorf("plan %s: %w", plan.ID, err)
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan %s is valid: %d phases, %d agents\n", plan.ID, len(plan.Phases), len(plan.Agents))
			for i, p := range plan.Phases {
				var marks []string
				if p.Checkpoint {
					marks = append(marks, "checkpoint")
				}
				if p.QualityGate {
					marks = append(marks, "quality gate")
				}
				line := fmt.Sprintf("  %d. %s [%s]", i+1, p.Name, strings.Join(p.Agents, ", "))
				if len(marks) > 0 {
					line += " (" + strings.Join(marks, ", ") + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file (.yaml, .toml or .jsonc)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
