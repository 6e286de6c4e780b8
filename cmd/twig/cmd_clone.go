package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/remote"
	"github.com/odvcencio/twig/pkg/repo"
)

const cloneRetryBackoff = 500 * time.Millisecond

func newCloneCmd(a *app) *cobra.Command {
	var remoteName, branch string
	var noCheckout bool

	cmd := &cobra.Command{
		Use:   "clone <url> [directory]",
		Short: "Clone a repository over smart HTTP",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.NewClient(args[0],
				remote.WithLogger(a.log.Named("remote")),
				remote.WithTimeout(a.v.GetDuration("timeout")),
				remote.WithUserAgent(a.v.GetString("user-agent")),
			)
			if err != nil {
				return err
			}

			dest := ""
			if len(args) == 2 {
				dest = args[1]
			} else {
				dest = defaultCloneDir(client.Endpoint())
			}
			if strings.TrimSpace(dest) == "" {
				return fmt.Errorf("destination directory is required")
			}
			absDest, err := filepath.Abs(dest)
			if err != nil {
				return fmt.Errorf("resolve destination: %w", err)
			}
			if err := ensureEmptyDir(absDest); err != nil {
				return err
			}

			r, err := repo.Init(absDest, repo.WithLogger(a.log))
			if err != nil {
				return err
			}

			var res *remote.CloneResult
			opts := remote.CloneOptions{RemoteName: remoteName, Branch: branch, Checkout: !noCheckout}
			err = remote.Retry(cmd.Context(), a.v.GetInt("retries"), cloneRetryBackoff, func(ctx context.Context) error {
				var err error
				res, err = remote.Clone(ctx, client, r, opts)
				if err != nil {
					a.log.Warn("clone attempt failed", zap.Error(err))
				}
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Head == "" {
				fmt.Fprintf(out, "cloned an empty repository into %s\n", absDest)
				return nil
			}
			fmt.Fprintf(out, "cloned %s into %s (branch %s at %s, %d objects)\n",
				client.Endpoint().BaseURL, absDest, res.Branch, res.Head.Short(), res.Objects)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&remoteName, "origin", "o", "origin", "name for the remote")
	flags.StringVarP(&branch, "branch", "b", "", "branch to check out instead of the remote HEAD")
	flags.BoolVarP(&noCheckout, "no-checkout", "n", false, "do not populate the working directory")
	flags.Int("retries", 3, "attempts for transport failures")
	flags.Duration("timeout", 5*time.Minute, "per-request timeout, 0 for none")
	flags.String("user-agent", remote.DefaultUserAgent, "User-Agent and agent capability")
	a.bind(flags, "retries", "timeout", "user-agent")
	return cmd
}

// defaultCloneDir derives a directory name from the last URL path segment,
// without a ".git" suffix.
func defaultCloneDir(ep remote.Endpoint) string {
	u, err := url.Parse(ep.BaseURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return u.Hostname()
	}
	return strings.TrimSuffix(base, ".git")
}

func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("destination %s already exists and is not empty", dir)
	}
	return nil
}
