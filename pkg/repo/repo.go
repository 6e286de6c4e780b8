package repo

import (
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/object"
)

// MetaDirName is the repository metadata directory inside the working tree.
const MetaDirName = ".git"

// Repo represents an opened repository.
type Repo struct {
	RootDir string        // working directory root
	GitDir  string        // .git/ directory
	Store   *object.Store // content-addressed object store

	fs  afero.Fs
	log *zap.Logger
}

type options struct {
	log       *zap.Logger
	fs        afero.Fs
	storeOpts []object.StoreOption
}

// Option configures Init and Open.
type Option func(*options)

// WithLogger sets the logger used by the repository and its store.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithFs sets the filesystem the working tree is read from and checked out
// to. Metadata under .git always lives on the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithStoreOptions passes options through to the object store.
func WithStoreOptions(opts ...object.StoreOption) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

func newRepo(root, gitDir string, opts []Option) *Repo {
	o := options{log: zap.NewNop(), fs: afero.NewOsFs()}
	for _, fn := range opts {
		fn(&o)
	}
	storeOpts := []object.StoreOption{object.WithLogger(o.log.Named("store"))}
	if cfg, err := loadConfig(filepath.Join(gitDir, ConfigFileName)); err != nil {
		o.log.Warn("ignoring unreadable config", zap.Error(err))
	} else if cfg.Core.Compression != nil {
		storeOpts = append(storeOpts, object.WithCompressionLevel(*cfg.Core.Compression))
	}
	storeOpts = append(storeOpts, o.storeOpts...)
	return &Repo{
		RootDir: root,
		GitDir:  gitDir,
		Store:   object.NewStore(gitDir, storeOpts...),
		fs:      o.fs,
		log:     o.log,
	}
}

// Logger returns the repository's logger.
func (r *Repo) Logger() *zap.Logger {
	return r.log
}
