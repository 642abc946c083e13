package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a named workflow has no document on disk.
var ErrNotFound = errors.New("workflow not found")

// DocInfo is the cheap identity of a workflow document on disk.
type DocInfo struct {
	Size      int64
	MtimeUnix int64
}

// DirStore maps workflow names to JSON documents under a root directory.
// Names may contain forward-slash separated subfolders; every lookup is
// confined to the root.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: strings.TrimSpace(root)}
}

// Path resolves a workflow name to its document path without touching disk.
func (s *DirStore) Path(name string) (string, error) {
	if s == nil || s.root == "" {
		return "", errors.New("workflow store not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty workflow name")
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid workflow name %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid workflow name %q", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)+".json"), nil
}

// Stat returns the document's size and mtime. Missing files map to
// ErrNotFound.
func (s *DirStore) Stat(name string) (DocInfo, error) {
	p, err := s.Path(name)
	if err != nil {
		return DocInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DocInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return DocInfo{}, fmt.Errorf("stat workflow %s: %w", name, err)
	}
	if info.IsDir() {
		return DocInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return DocInfo{Size: info.Size(), MtimeUnix: info.ModTime().UnixMilli()}, nil
}

// Read loads the raw document bytes.
func (s *DirStore) Read(name string) ([]byte, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read workflow %s: %w", name, err)
	}
	return data, nil
}

// List walks the root and returns all workflow names, sorted. A missing
// root is an empty library, not an error.
func (s *DirStore) List() ([]string, error) {
	if s == nil || s.root == "" {
		return nil, errors.New("workflow store not configured")
	}
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(p), ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		names = append(names, strings.TrimSuffix(rel, filepath.Ext(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
