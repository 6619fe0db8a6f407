package table

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// candidate reports whether a directory entry looks like an input table.
// Legacy .xls files are listed so they are reported as unsupported instead of
// silently ignored.
func candidate(name, suffix string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".xlsx" && ext != ".csv" && ext != ".xls" {
		return false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return suffix == "" || !strings.Contains(stem, suffix)
}

// Discover expands paths into the ordered list of input files. Directories
// are listed (non-recursively). With allFiles set, every file argument is
// replaced by the contents of its directory. Previous outputs, office lock
// files and dotfiles are skipped. Explicit file arguments are kept as given.
func Discover(paths []string, allFiles bool, suffix string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if !seen[abs] {
			seen[abs] = true
			files = append(files, abs)
		}
	}

	listed := make(map[string]bool)
	listDir := func(dir string) error {
		if listed[dir] {
			return nil
		}
		listed[dir] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			return eris.Wrapf(err, "table: list %s", dir)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || !candidate(e.Name(), suffix) {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, n := range names {
			add(filepath.Join(dir, n))
		}
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "table: stat %s", p)
		}
		switch {
		case info.IsDir():
			if err := listDir(p); err != nil {
				return nil, err
			}
		case allFiles:
			if err := listDir(filepath.Dir(p)); err != nil {
				return nil, err
			}
		default:
			add(p)
		}
	}
	return files, nil
}
