package repo

import (
	"errors"
	"fmt"
	"os"

	"github.com/odvcencio/twig/pkg/object"
)

// ErrUnsupportedFile reports a working-tree entry that cannot be stored:
// devices, sockets and named pipes.
var ErrUnsupportedFile = errors.New("unsupported file type")

// modeFromFileInfo maps a working-tree entry to its tree mode.
func modeFromFileInfo(info os.FileInfo) (string, error) {
	m := info.Mode()
	switch {
	case m.IsDir():
		return object.TreeModeDir, nil
	case m&os.ModeSymlink != 0:
		return object.TreeModeSymlink, nil
	case m.IsRegular():
		if m&0o111 != 0 {
			return object.TreeModeExecutable, nil
		}
		return object.TreeModeFile, nil
	default:
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFile, info.Name(), m.Type())
	}
}

func filePermFromMode(mode string) os.FileMode {
	if mode == object.TreeModeExecutable {
		return 0o755
	}
	return 0o644
}
