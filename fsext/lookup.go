// Package fsext holds small filesystem helpers shared across packages.
package fsext

import (
	"fmt"
	"os"
	"path/filepath"
)

// Lookup searches for the target files starting at dir and walking up the
// directory tree to the filesystem root. The starting directory itself is
// included. Results are ordered nearest-first.
func Lookup(dir string, targets ...string) ([]string, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	cwd, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", dir, err)
	}
	var found []string
	for {
		for _, target := range targets {
			fpath := filepath.Join(cwd, target)
			if _, err := os.Stat(fpath); err == nil {
				found = append(found, fpath)
			}
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return found, nil
		}
		cwd = parent
	}
}

// LookupClosest returns the nearest path to target at or above dir, or
// false when no ancestor directory contains it.
func LookupClosest(dir, target string) (string, bool) {
	found, err := Lookup(dir, target)
	if err != nil || len(found) == 0 {
		return "", false
	}
	return found[0], true
}
