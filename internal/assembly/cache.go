package assembly

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dosanma1/vidforge/internal/imagespec"
	"github.com/dosanma1/vidforge/pkg/xos"
)

// LayerRecord is a cached layer: the engine ref produced for a cache key.
type LayerRecord struct {
	Key       string             `json:"key"`
	Ref       string             `json:"ref"`
	Step      string             `json:"step"`
	Kind      imagespec.StepKind `json:"kind"`
	Cached    bool               `json:"cached,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Cache maps layer keys to engine refs.
type Cache interface {
	Lookup(key string) (*LayerRecord, bool, error)
	Put(rec LayerRecord) error
}

// FileCache keeps one JSON record per key below a directory.
type FileCache struct {
	dir string
}

// NewFileCache creates a cache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string {
	return c.dir
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, "layers", key+".json")
}

// Lookup returns the record for key, if any.
func (c *FileCache) Lookup(key string) (*LayerRecord, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache record: %w", err)
	}

	var rec LayerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("parse cache record %s: %w", shortKey(key), err)
	}
	return &rec, true, nil
}

// Put stores rec atomically.
func (c *FileCache) Put(rec LayerRecord) error {
	if rec.Key == "" {
		return errors.New("cache record has no key")
	}
	rec.Cached = false
	return xos.WriteJSON(c.path(rec.Key), rec, 0o644)
}

// List returns every record, oldest first.
func (c *FileCache) List() ([]LayerRecord, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, "layers"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []LayerRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, ok, err := c.Lookup(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Prune removes every record and returns how many were removed.
func (c *FileCache) Prune() (int, error) {
	records, err := c.List()
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(c.dir, "layers")); err != nil {
		return 0, fmt.Errorf("remove cache: %w", err)
	}
	return len(records), nil
}

// layerKey chains the parent key with the step definition and input digest.
// The step name is excluded so renaming a step keeps its cache.
func layerKey(parent string, step imagespec.Step, inputDigest string) (string, error) {
	step.Name = ""
	body, err := json.Marshal(step)
	if err != nil {
		return "", fmt.Errorf("encode step: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", parent, step.Kind)
	h.Write(body)
	fmt.Fprintf(h, "\x00%s", inputDigest)
	return hex.EncodeToString(h.Sum(nil)), nil
}
