package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/twig/pkg/object"
)

func newCatFileCmd(a *app) *cobra.Command {
	var showType, showSize, pretty bool

	cmd := &cobra.Command{
		Use:   "cat-file (-t | -s | -p) <object>",
		Short: "Show the type, size or content of an object",
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
			objType, data, err := r.Store.Read(h)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case showType:
				fmt.Fprintln(out, objType)
			case showSize:
				fmt.Fprintln(out, len(data))
			case pretty && objType == object.TypeTree:
				tree, err := object.UnmarshalTree(data)
				if err != nil {
					return err
				}
				for _, e := range tree.Entries {
					fmt.Fprintf(out, "%s %s %s\t%s\n", paddedMode(e.Mode), entryType(e), e.Hash, e.Name)
				}
			case pretty:
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("one of -t, -s or -p is required")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showType, "type", "t", false, "print the object type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "print the payload size")
	cmd.Flags().BoolVarP(&pretty, "pretty", "p", false, "print the object content")
	cmd.MarkFlagsMutuallyExclusive("type", "size", "pretty")
	return cmd
}
