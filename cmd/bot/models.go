package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage models on the LLM backend",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List downloaded models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := a.llmClient().ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model and wait until it is ready (default model when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := a.cfg.LLM.DefaultModel
			if len(args) == 1 {
				model = args[0]
			}
			accepted, err := a.llmClient().PullModel(cmd.Context(), model)
			if err != nil {
				return err
			}
			if !accepted {
				return fmt.Errorf("backend rejected pull of %s", model)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", model)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <model>",
		Short: "Remove a model from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := a.llmClient().DeleteModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("model %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}
