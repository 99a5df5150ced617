package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/pkg/xos"
)

// Snapshot is the filtered local source tree copied into the image.
type Snapshot struct {
	root   string
	ignore []string
	dest   string
}

// NewSnapshot returns a snapshot of root excluding any path with a component
// matching one of the ignore patterns, copied to dest inside the image.
func NewSnapshot(root string, ignore []string, dest string) *Snapshot {
	return &Snapshot{root: root, ignore: ignore, dest: dest}
}

// Ignored reports whether rel, a slash or OS separated path relative to the
// snapshot root, is excluded.
func (s *Snapshot) Ignored(rel string) bool {
	return matchesAny(rel, s.ignore)
}

func matchesAny(rel string, patterns []string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range patterns {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// Files returns the sorted relative paths included in the snapshot.
func (s *Snapshot) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if s.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree %s: %w", s.root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Digest hashes paths, permission bits, symlink targets and file contents.
func (s *Snapshot) Digest() (string, error) {
	files, err := s.Files()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, rel := range files {
		path := filepath.Join(s.root, filepath.FromSlash(rel))
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode())
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "link:%s\n", target)
			continue
		}
		sum, err := fileDigest(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n", sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stage copies the snapshot below dir, mirroring the destination path.
func (s *Snapshot) Stage(ctx context.Context, dir string) ([]Copy, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	target := filepath.Join(dir, filepath.FromSlash(s.dest))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, err
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(s.root, filepath.FromSlash(rel))
		dst := filepath.Join(target, filepath.FromSlash(rel))
		info, err := os.Lstat(src)
		if err != nil {
			return nil, err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err := os.Readlink(src)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, err
			}
			if err := os.Symlink(link, dst); err != nil {
				return nil, err
			}
			continue
		}
		if err := xos.CopyFile(src, dst); err != nil {
			return nil, fmt.Errorf("stage %s: %w", rel, err)
		}
	}
	return []Copy{{From: dir, To: "/"}}, nil
}

// fileSet is a fixed list of files, e.g. a dependency manifest and its lock.
type fileSet struct {
	dir   string
	names []string
	dest  string
}

func newFileSet(dir string, names []string, dest string) *fileSet {
	return &fileSet{dir: dir, names: names, dest: dest}
}

func (f *fileSet) Digest() (string, error) {
	h := sha256.New()
	for _, name := range f.names {
		sum, err := fileDigest(filepath.Join(f.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%s not found in %s: a locked install needs it", name, f.dir)
			}
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%s\n", name, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *fileSet) Stage(ctx context.Context, dir string) ([]Copy, error) {
	target := filepath.Join(dir, filepath.FromSlash(f.dest))
	for _, name := range f.names {
		if err := xos.CopyFile(filepath.Join(f.dir, name), filepath.Join(target, name)); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return []Copy{{From: dir, To: "/"}}, nil
}

// ArtifactFetcher downloads a remote artifact to a host directory.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, d imagespec.Download, dir string) error
}

// remoteInput is keyed by its directive so planning never touches the network.
type remoteInput struct {
	download imagespec.Download
	fetcher  ArtifactFetcher
}

func (r *remoteInput) Digest() (string, error) {
	body, err := json.Marshal(r.download)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func (r *remoteInput) Stage(ctx context.Context, dir string) ([]Copy, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured for %s artifacts", r.download.Store)
	}
	target := filepath.Join(dir, filepath.FromSlash(r.download.Dest))
	if err := r.fetcher.Fetch(ctx, r.download, target); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.download.Artifact, err)
	}
	return []Copy{{From: dir, To: "/"}}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
