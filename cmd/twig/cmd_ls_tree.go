package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLsTreeCmd(a *app) *cobra.Command {
	var nameOnly bool

	cmd := &cobra.Command{
		Use:   "ls-tree [--name-only] <tree-ish>",
		Short: "List the entries of a tree, commit or tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			h, err := resolveObject(r, args[0])
			if err != nil {
				return err
			}
			entries, err := r.ListTree(h)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				if nameOnly {
					fmt.Fprintln(out, e.Name)
					continue
				}
				fmt.Fprintf(out, "%s %s %s\t%s\n", paddedMode(e.Mode), entryType(e), e.Hash, e.Name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&nameOnly, "name-only", false, "list only entry names")
	return cmd
}
