package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTagCmd(a *app) *cobra.Command {
	var message string
	var annotate, force bool

	cmd := &cobra.Command{
		Use:   "tag [name] [target]",
		Short: "List tags, or create a lightweight or annotated tag",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				tags, err := r.ListTags()
				if err != nil {
					return err
				}
				for _, name := range tags {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			targetArg := "HEAD"
			if len(args) == 2 {
				targetArg = args[1]
			}
			target, err := resolveObject(r, targetArg)
			if err != nil {
				return err
			}

			if annotate || strings.TrimSpace(message) != "" {
				h, err := r.CreateAnnotatedTag(args[0], target, a.signature(), message, force)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), h)
				return nil
			}
			return r.CreateTag(args[0], target, force)
		},
	}

	cmd.Flags().BoolVarP(&annotate, "annotate", "a", false, "create an annotated tag object")
	cmd.Flags().StringVarP(&message, "message", "m", "", "annotated tag message")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing tag")
	return cmd
}
