package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"diffusiond/internal/common/fsutil"
	"diffusiond/pkg/types"
)

// Location describes where a model's assets live on disk.
type Location struct {
	ID   string
	Path string
}

// StorageError reports an inaccessible models root or model directory.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or anything it wraps) is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ErrInvalidID is returned by Resolve for ids that cannot name a model directory.
var ErrInvalidID = errors.New("registry: invalid model id")

// Dir is a registry backed by a models root: every visible sub-directory is a model.
type Dir struct {
	root string
}

// NewDir expands and absolutizes root. The directory itself is created lazily.
func NewDir(root string) (*Dir, error) {
	abs, err := fsutil.AbsDir(root)
	if err != nil {
		return nil, err
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute models root.
func (d *Dir) Root() string { return d.root }

// List returns model ids sorted lexicographically, creating the root on first use.
func (d *Dir) List() ([]string, error) {
	if err := fsutil.EnsureDir(d.root); err != nil {
		return nil, &StorageError{Op: "create", Path: d.root, Err: err}
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: d.root, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() && !isDirLink(filepath.Join(d.root, name)) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Models is List projected to the wire type.
func (d *Dir) Models() ([]types.Model, error) {
	ids, err := d.List()
	if err != nil {
		return nil, err
	}
	out := make([]types.Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.Model{ID: id, Name: id, Path: filepath.Join(d.root, id)})
	}
	return out, nil
}

// Resolve maps a model id to its directory. The directory must exist.
func (d *Dir) Resolve(id string) (Location, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	p := filepath.Join(d.root, id)
	fi, err := os.Stat(p)
	if err != nil {
		return Location{}, &StorageError{Op: "stat", Path: p, Err: err}
	}
	if !fi.IsDir() {
		return Location{}, &StorageError{Op: "stat", Path: p, Err: errors.New("not a directory")}
	}
	return Location{ID: id, Path: p}, nil
}

// LoadDir scans dir and returns the models it contains.
func LoadDir(dir string) ([]types.Model, error) {
	d, err := NewDir(dir)
	if err != nil {
		return nil, err
	}
	return d.Models()
}

func isDirLink(p string) bool {
	fi, err := os.Lstat(p)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return false
	}
	return fsutil.IsDir(p)
}
