package artifacts

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Match reports whether a slash-separated relative path matches pattern.
// A "**" element matches any number of directories, including none.
func Match(pattern, name string) bool {
	return matchParts(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchParts(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchParts(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, err := path.Match(pattern[0], name[0]); err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// CleanPattern normalizes a selection pattern to slash form without a
// leading "./". It returns "" for patterns that select nothing.
func CleanPattern(p string) string {
	p = strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
	if p == "." {
		return ""
	}
	return p
}

// file is one selected artifact file.
type file struct {
	abs string
	// rel is the slash-separated name inside the artifact.
	rel string
}

// selectFiles walks base and returns the regular files matching any of
// patterns, sorted by name. With discardPaths only the base name is kept.
func selectFiles(base string, patterns []string, discardPaths bool) ([]file, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = CleanPattern(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}

	seen := make(map[string]bool)
	var files []file
	err := filepath.WalkDir(base, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, p := range cleaned {
			if !Match(p, rel) {
				continue
			}
			name := rel
			if discardPaths {
				name = path.Base(rel)
			}
			if !seen[name] {
				seen[name] = true
				files = append(files, file{abs: abs, rel: name})
			}
			break
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}
