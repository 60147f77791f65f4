package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrMissingArch       = errors.New("architecture missing from compose")
	ErrSymlinkedPackages = errors.New("composed packages are symlinks")
)

// SanityChecker validates a composed tree before it is staged. Each arch
// class is a set of directory names of which at least one must exist.
type SanityChecker struct {
	Arches [][]string
}

// Check returns the first problem found in path.
func (c *SanityChecker) Check(path string) error {
	var present []string
	for _, class := range c.Arches {
		arch := firstPresent(path, class)
		if arch == "" {
			return fmt.Errorf("%w: none of %s in %s", ErrMissingArch, strings.Join(class, " or "), path)
		}
		if err := CheckRepodata(filepath.Join(path, arch, "repodata")); err != nil {
			return fmt.Errorf("%s: %w", arch, err)
		}
		present = append(present, arch)
	}
	if len(present) == 0 {
		dirs, err := archDirs(path)
		if err != nil {
			return err
		}
		present = dirs
	}
	if len(present) == 0 {
		return fmt.Errorf("%w: no architectures in %s", ErrMissingArch, path)
	}
	return checkNotSymlinked(filepath.Join(path, present[0]))
}

func firstPresent(path string, class []string) string {
	for _, arch := range class {
		info, err := os.Stat(filepath.Join(path, arch))
		if err == nil && info.IsDir() {
			return arch
		}
	}
	return ""
}

func archDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read compose dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// checkNotSymlinked fails when any package in dir is a symlink, which means
// the composer linked packages instead of copying them.
func checkNotSymlinked(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read arch dir: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".rpm") {
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrSymlinkedPackages, filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
