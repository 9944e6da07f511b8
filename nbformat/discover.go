package nbformat

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// checkpointDir is the scratch directory Jupyter maintains next to open
// notebooks. Never a test input.
const checkpointDir = ".ipynb_checkpoints"

// Discover expands a mix of file and directory paths into a sorted,
// deduplicated list of notebook files. Directories are walked recursively
// with .ipynb_checkpoints subtrees skipped. Explicit file arguments must
// name .ipynb files.
func Discover(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var found []string

	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		found = append(found, p)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", path, err)
		}

		if !info.IsDir() {
			if !strings.HasSuffix(path, ".ipynb") {
				return nil, fmt.Errorf("discover %s: not a notebook file", path)
			}
			add(path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == checkpointDir {
					return fs.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(d.Name(), ".ipynb") {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", path, err)
		}
	}

	sort.Strings(found)
	return found, nil
}
