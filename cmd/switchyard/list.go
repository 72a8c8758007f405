package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"switchyard/internal/kernel"
)

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workspaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			k, err := kernel.NewKernel(cmd.Context(), cfg, root.dir, nil)
			if err != nil {
				return err
			}
			defer func() { _ = k.Stop() }()

			list, err := k.Workspaces()
			if err != nil {
				return err
			}
			active, _ := k.Registry.Active()

			out := cmd.OutOrStdout()
			for _, d := range list {
				marker := " "
				if d.Name == active.Name {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-20s %-24s %s\n", marker, d.Name, d.DisplayName(), d.Path)
			}
			return nil
		},
	}
}
