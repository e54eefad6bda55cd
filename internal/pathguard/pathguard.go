// Package pathguard confines user-supplied paths to a directory tree.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrOutside = errors.New("path escapes base directory")
	ErrNoBase  = errors.New("base directory not set")
)

// Resolve joins p onto base (absolute p is taken as is), follows symlinks on
// the longest existing prefix of both, and returns the absolute result and its
// path relative to base. Paths resolving outside base fail with ErrOutside.
func Resolve(base, p string) (abs string, rel string, err error) {
	if strings.TrimSpace(base) == "" {
		return "", "", ErrNoBase
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", "", err
	}
	absBase = evalExisting(filepath.Clean(absBase))
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absBase, target)
	}
	target = evalExisting(filepath.Clean(target))
	rel, err = filepath.Rel(absBase, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutside, p)
	}
	return target, rel, nil
}

// Local checks that p is relative and stays inside whatever base it is later
// joined onto: no absolute path, no leading "..".
func Local(p string) error {
	if !filepath.IsLocal(p) {
		return fmt.Errorf("%w: %s", ErrOutside, p)
	}
	return nil
}

// Within reports whether p resolves inside base.
func Within(base, p string) bool {
	_, _, err := Resolve(base, p)
	return err == nil
}

func evalExisting(p string) string {
	var tail []string
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			if resolved, err := filepath.EvalSymlinks(cur); err == nil {
				cur = resolved
			}
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
	return filepath.Join(append([]string{cur}, tail...)...)
}
