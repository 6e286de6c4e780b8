package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config <key> [value]",
		Short: "Get or set user.name, user.email or remote.<name>.url",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openRepo()
			if err != nil {
				return err
			}
			cfg, err := r.ReadConfig()
			if err != nil {
				return err
			}

			key := strings.TrimSpace(args[0])
			remoteName, isRemote := strings.CutPrefix(key, "remote.")
			if isRemote {
				var ok bool
				if remoteName, ok = strings.CutSuffix(remoteName, ".url"); !ok || remoteName == "" {
					return fmt.Errorf("unknown config key %q", args[0])
				}
			}

			if len(args) == 1 {
				var value string
				switch {
				case key == "user.name":
					value = cfg.User.Name
				case key == "user.email":
					value = cfg.User.Email
				case isRemote:
					value = cfg.Remotes[remoteName].URL
				default:
					return fmt.Errorf("unknown config key %q", args[0])
				}
				if value == "" {
					return fmt.Errorf("config key %q is not set", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			}

			value := strings.TrimSpace(args[1])
			switch {
			case key == "user.name":
				return r.SetIdentity(value, cfg.User.Email)
			case key == "user.email":
				return r.SetIdentity(cfg.User.Name, value)
			case isRemote:
				return r.SetRemote(remoteName, value)
			default:
				return fmt.Errorf("unknown config key %q", args[0])
			}
		},
	}
}
