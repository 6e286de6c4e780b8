package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/twig/pkg/object"
)

// ObjectWriter stores serialized payloads and returns their ids.
type ObjectWriter interface {
	Write(objType object.ObjectType, data []byte) (object.Hash, error)
}

// TreeBuilder snapshots a directory into tree and blob objects.
type TreeBuilder struct {
	store       ObjectWriter
	fs          afero.Fs
	log         *zap.Logger
	concurrency int
}

// TreeBuilderOption configures a TreeBuilder.
type TreeBuilderOption func(*TreeBuilder)

// WithTreeLogger sets the builder's logger.
func WithTreeLogger(l *zap.Logger) TreeBuilderOption {
	return func(b *TreeBuilder) {
		if l != nil {
			b.log = l
		}
	}
}

// WithConcurrency bounds how many files of one directory are hashed at once.
func WithConcurrency(n int) TreeBuilderOption {
	return func(b *TreeBuilder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// NewTreeBuilder returns a builder reading from fs and writing to store.
func NewTreeBuilder(store ObjectWriter, fs afero.Fs, opts ...TreeBuilderOption) *TreeBuilder {
	b := &TreeBuilder{
		store:       store,
		fs:          fs,
		log:         zap.NewNop(),
		concurrency: runtime.NumCPU(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build stores every file under root and returns the root tree id. The
// metadata directory is skipped at every level; empty directories become
// empty trees. The result depends only on names, contents and modes.
func (b *TreeBuilder) Build(ctx context.Context, root string) (object.Hash, error) {
	info, err := b.fs.Stat(root)
	if err != nil {
		return "", fmt.Errorf("build tree: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("build tree: %s is not a directory", root)
	}
	h, err := b.buildDir(ctx, root)
	if err != nil {
		return "", fmt.Errorf("build tree: %w", err)
	}
	return h, nil
}

func (b *TreeBuilder) buildDir(ctx context.Context, dir string) (object.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	infos, err := afero.ReadDir(b.fs, dir)
	if err != nil {
		return "", fmt.Errorf("read dir %s: %w", dir, err)
	}

	entries := make([]object.TreeEntry, 0, len(infos))
	var files []os.FileInfo
	for _, info := range infos {
		if info.Name() == MetaDirName {
			continue
		}
		if info.IsDir() {
			sub, err := b.buildDir(ctx, filepath.Join(dir, info.Name()))
			if err != nil {
				return "", err
			}
			entries = append(entries, object.TreeEntry{Mode: object.TreeModeDir, Name: info.Name(), Hash: sub})
			continue
		}
		files = append(files, info)
	}

	fileEntries := make([]object.TreeEntry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, info := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, err := b.fileEntry(gctx, filepath.Join(dir, info.Name()), info)
			if err != nil {
				return err
			}
			fileEntries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	entries = append(entries, fileEntries...)

	payload, err := object.MarshalTree(&object.Tree{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("tree %s: %w", dir, err)
	}
	h, err := b.store.Write(object.TypeTree, payload)
	if err != nil {
		return "", fmt.Errorf("write tree %s: %w", dir, err)
	}
	b.log.Debug("tree stored",
		zap.String("dir", dir),
		zap.Int("entries", len(entries)),
		zap.String("hash", string(h)))
	return h, nil
}

func (b *TreeBuilder) fileEntry(ctx context.Context, path string, info os.FileInfo) (object.TreeEntry, error) {
	mode, err := modeFromFileInfo(info)
	if err != nil {
		return object.TreeEntry{}, err
	}

	var data []byte
	if mode == object.TreeModeSymlink {
		if lr, ok := b.fs.(afero.LinkReader); ok {
			target, err := lr.ReadlinkIfPossible(path)
			if err != nil {
				return object.TreeEntry{}, fmt.Errorf("readlink %s: %w", path, err)
			}
			data = []byte(target)
		} else {
			// No link support: store what the link points at.
			followed, err := b.fs.Stat(path)
			if err != nil {
				return object.TreeEntry{}, fmt.Errorf("stat %s: %w", path, err)
			}
			if followed.IsDir() {
				sub, err := b.buildDir(ctx, path)
				if err != nil {
					return object.TreeEntry{}, err
				}
				return object.TreeEntry{Mode: object.TreeModeDir, Name: info.Name(), Hash: sub}, nil
			}
			return b.fileEntry(ctx, path, followed)
		}
	} else {
		data, err = afero.ReadFile(b.fs, path)
		if err != nil {
			return object.TreeEntry{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	h, err := b.store.Write(object.TypeBlob, data)
	if err != nil {
		return object.TreeEntry{}, fmt.Errorf("write blob %s: %w", path, err)
	}
	return object.TreeEntry{Mode: mode, Name: info.Name(), Hash: h}, nil
}
