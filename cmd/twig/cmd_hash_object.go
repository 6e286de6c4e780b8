package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/twig/pkg/object"
)

func newHashObjectCmd(a *app) *cobra.Command {
	var typeName string
	var write bool
	var stdin bool

	cmd := &cobra.Command{
		Use:   "hash-object [-t type] [-w] (--stdin | <file>)",
		Short: "Compute an object id and optionally store the object",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objType, err := object.ParseObjectType(typeName)
			if err != nil {
				return err
			}

			var data []byte
			switch {
			case stdin && len(args) == 0:
				data, err = io.ReadAll(cmd.InOrStdin())
			case !stdin && len(args) == 1:
				data, err = os.ReadFile(args[0])
			default:
				return fmt.Errorf("hash-object needs exactly one of --stdin or a file")
			}
			if err != nil {
				return err
			}

			// Structured types must parse before they get an id.
			if objType != object.TypeBlob {
				if _, err := object.Unmarshal(objType, data); err != nil {
					return err
				}
			}

			h := object.HashObject(objType, data)
			if write {
				r, err := a.openRepo()
				if err != nil {
					return err
				}
				if h, err = r.Store.Write(objType, data); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", string(object.TypeBlob), "object type")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the object into the store")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read the object from standard input")
	return cmd
}
