package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCommitCmd(a *app) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "commit -m <message>",
		Short: "Record the working directory on top of HEAD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("commit message is required")
			}
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			h, err := r.Commit(cmd.Context(), message, a.signature())
			if err != nil {
				return err
			}

			where := "detached HEAD"
			if branch, err := r.CurrentBranch(); err == nil && branch != "" {
				where = branch
			}
			summary, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
			fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", where, h.Short(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}
