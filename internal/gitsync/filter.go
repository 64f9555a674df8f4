package gitsync

import (
	"fmt"

	"github.com/gobwas/glob"
)

// PathFilter narrows changed-path sets with include/exclude glob patterns.
// An empty include list admits everything; exclusions are applied last.
type PathFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func NewPathFilter(include, exclude []string) (*PathFilter, error) {
	f := &PathFilter{}

	for _, pattern := range include {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid included path pattern %q: %w", pattern, err)
		}
		f.include = append(f.include, g)
	}

	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid excluded path pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, g)
	}

	return f, nil
}

func (f *PathFilter) Match(path string) bool {
	if len(f.include) > 0 {
		var ok bool
		for _, g := range f.include {
			if g.Match(path) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	for _, g := range f.exclude {
		if g.Match(path) {
			return false
		}
	}

	return true
}

func (f *PathFilter) Apply(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if f.Match(path) {
			out = append(out, path)
		}
	}
	return out
}
