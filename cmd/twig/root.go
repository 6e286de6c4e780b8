package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
	"github.com/odvcencio/twig/pkg/repo"
)

const (
	version   = "0.1.0-dev"
	envPrefix = "TWIG"
)

// app carries state shared by every command. Flag values are read through
// v so that TWIG_* environment variables fill in unset flags.
type app struct {
	v   *viper.Viper
	log *zap.Logger
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v, log: zap.NewNop()}
}

// bind exposes the named flags of fs through viper under the same keys.
func (a *app) bind(fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := a.v.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %q: %v", name, err))
		}
	}
}

// openRepo opens the repository containing the --repo path.
func (a *app) openRepo(opts ...repo.Option) (*repo.Repo, error) {
	opts = append([]repo.Option{repo.WithLogger(a.log)}, opts...)
	return repo.Open(a.v.GetString("repo"), opts...)
}

// signature returns the identity given by --author-name/--author-email (or
// TWIG_AUTHOR_NAME/TWIG_AUTHOR_EMAIL), or nil to use the repository config.
func (a *app) signature() *object.Signature {
	name := strings.TrimSpace(a.v.GetString("author-name"))
	email := strings.TrimSpace(a.v.GetString("author-email"))
	if name == "" || email == "" {
		return nil
	}
	sig := repo.NewSignature(name, email, time.Now())
	return &sig
}

func newRootCmd() *cobra.Command {
	a := newApp()

	root := &cobra.Command{
		Use:           "twig",
		Short:         "Content-addressed object store with a smart-HTTP clone client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = newLogger(a.v.GetBool("verbose"), cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.StringP("repo", "C", ".", "path inside the repository to operate on")
	flags.String("author-name", "", "identity name overriding user.name")
	flags.String("author-email", "", "identity email overriding user.email")
	a.bind(flags, "verbose", "repo", "author-name", "author-email")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newConfigCmd(a),
		newHashObjectCmd(a),
		newCatFileCmd(a),
		newLsTreeCmd(a),
		newWriteTreeCmd(a),
		newCommitTreeCmd(a),
		newCommitCmd(a),
		newTagCmd(a),
		newCloneCmd(a),
		newServeCmd(a),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "twig %s\n", version)
		},
	}
}
