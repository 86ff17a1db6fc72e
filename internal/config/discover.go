package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var defaultConfigNames = []string{"config.yaml", "config.yml"}

// Discover lists candidate config files: config.yaml/config.yml in the working
// directory first, then every *.yaml/*.yml in the working directory, ./examples
// and any extra directories. Paths are absolute and unique.
func Discover(workDir string, extraDirs ...string) ([]string, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, name := range defaultConfigNames {
		p := filepath.Join(abs, name)
		if info, statErr := os.Stat(p); statErr == nil && !info.IsDir() {
			add(p)
		}
	}
	dirs := append([]string{abs, filepath.Join(abs, "examples")}, extraDirs...)
	for _, dir := range dirs {
		var matches []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			found, globErr := filepath.Glob(filepath.Join(dir, pattern))
			if globErr != nil {
				return nil, fmt.Errorf("glob %s: %w", dir, globErr)
			}
			matches = append(matches, found...)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if p, absErr := filepath.Abs(m); absErr == nil {
				add(p)
			}
		}
	}
	return out, nil
}
