package cache

import (
	"context"
	"fmt"
	"os"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// DiskStorage implements Storage with one directory per generation
type DiskStorage struct {
	cacheDir string
}

type diskGeneration struct {
	name string
	dir  string
}

// NewDisk creates a new disk storage rooted at cacheDir
func NewDisk(cacheDir string) *DiskStorage {
	return &DiskStorage{
		cacheDir: cacheDir,
	}
}

// Init ensures the cache directory exists
func (d *DiskStorage) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskStorage) Open(_ context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.cacheDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating generation directory: %w", err)
	}
	return &diskGeneration{name: name, dir: dir}, nil
}

func (d *DiskStorage) Lookup(_ context.Context, name string) (Generation, bool, error) {
	if err := validateName(name); err != nil {
		return nil, false, err
	}

	dir := filepath.Join(d.cacheDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("checking generation directory: %w", err)
	}
	if !info.IsDir() {
		return nil, false, nil
	}
	return &diskGeneration{name: name, dir: dir}, true, nil
}

func (d *DiskStorage) Names(_ context.Context) ([]string, error) {
	items, err := os.ReadDir(d.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache directory: %w", err)
	}

	var names []string
	for _, item := range items {
		if item.IsDir() {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	dir := filepath.Join(d.cacheDir, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("removing generation directory: %w", err)
	}
	return true, nil
}

// Close is a no-op for disk storage
func (d *DiskStorage) Close() error {
	return nil
}

func (g *diskGeneration) Name() string {
	return g.name
}

// entryDir holds the files of one URL, it can never be produced by escapeSegment
const entryDir = "_entry"

// escapeSegment makes a path segment safe as a directory name.
// Segments that are empty, dot segments or start with "_" get a "_" prefix,
// so distinct segments always give distinct names.
func escapeSegment(segment string) string {
	if segment == "" || segment == "." || segment == ".." || strings.HasPrefix(segment, "_") {
		return "_" + segment
	}
	return segment
}

// entryPath maps a key to <generation>/<scheme>/<host>/<path segments>/_entry/<METHOD>[_q<queryhash>].bin
func (g *diskGeneration) entryPath(key string) (string, error) {
	method, u, err := splitKey(key)
	if err != nil {
		return "", err
	}

	pathParts := []string{g.dir, escapeSegment(url.PathEscape(u.Scheme)), escapeSegment(url.PathEscape(u.Host))}

	// "/a/" keeps its trailing empty segment, so it does not share a file with "/a"
	if p := u.EscapedPath(); p != "" {
		for _, segment := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
			pathParts = append(pathParts, escapeSegment(url.PathEscape(segment)))
		}
	}

	filename := url.PathEscape(method)
	if u.RawQuery != "" || u.ForceQuery {
		filename += "_q" + strconv.FormatUint(xxhash.Sum64String(u.RawQuery), 16)
	}
	filename += ".bin"

	pathParts = append(pathParts, entryDir, filename)

	return filepath.Join(pathParts...), nil
}

func (g *diskGeneration) Match(_ context.Context, key string) (*Entry, error) {
	entryPath, err := g.entryPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(entryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	entry, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", entryPath, err)
	}
	return entry, nil
}

func (g *diskGeneration) Put(_ context.Context, key string, entry *Entry) error {
	entryPath, err := g.entryPath(key)
	if err != nil {
		return err
	}

	data, err := Serialize(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(entryPath), 0755); err != nil {
		return err
	}

	// Write atomically using temp file + rename
	tmp, err := os.CreateTemp(filepath.Dir(entryPath), ".entry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), entryPath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached response: %s", entryPath)
	return nil
}
