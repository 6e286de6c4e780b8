package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/twig/pkg/repo"
)

func newCommitTreeCmd(a *app) *cobra.Command {
	var parents []string
	var message string

	cmd := &cobra.Command{
		Use:   "commit-tree <tree> -m <message> [-p <parent>]...",
		Short: "Create a commit object from a tree without moving any ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("commit message is required")
			}
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			tree, err := resolveObject(r, args[0])
			if err != nil {
				return err
			}

			opts := repo.CommitOptions{Message: message}
			for _, p := range parents {
				h, err := resolveObject(r, p)
				if err != nil {
					return err
				}
				opts.Parents = append(opts.Parents, h)
			}
			if sig := a.signature(); sig != nil {
				opts.Author, opts.Committer = sig, sig
			}

			h, err := r.CommitTree(tree, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&parents, "parent", "p", nil, "parent commit (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}
