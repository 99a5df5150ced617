package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrAliasTarget is returned when the directory an alias points to is missing.
var ErrAliasTarget = errors.New("alias target missing")

// Alias is a symbolic link inside the application root.
type Alias struct {
	// Link is the link path, relative to the application root.
	Link string
	// Target is the absolute path the link points to.
	Target string
}

// Ensure creates the link below root unless an entry already exists there.
// An existing entry is left untouched, whatever it is. It reports whether a
// link was created.
func (a Alias) Ensure(root string) (bool, error) {
	if a.Link == "" || a.Target == "" {
		return false, errors.New("alias needs a link and a target")
	}
	if _, err := os.Stat(a.Target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrAliasTarget, a.Target)
		}
		return false, fmt.Errorf("check alias target: %w", err)
	}

	link := a.Link
	if !filepath.IsAbs(link) {
		link = filepath.Join(root, link)
	}
	// symlink(2) never replaces an existing entry.
	if err := os.Symlink(a.Target, link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create alias %s: %w", link, err)
	}
	return true, nil
}
