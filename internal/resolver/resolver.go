// Package resolver maps filesystem paths onto the (watch dir, project,
// relative path) coordinates the database stores. A project is marked by a
// projectid file at depth 0 or 1 from its watch dir; deeper markers are
// ignored.
package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// MarkerFile is the project marker file name.
const MarkerFile = "projectid"

// WatchDir is one configured watched directory.
type WatchDir struct {
	ID   string
	Path string // absolute, normalised
}

// Marker is the parsed content of a projectid file.
type Marker struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Project is one discovered project.
type Project struct {
	Marker
	RootPath   string
	WatchDirID string
}

// Resolution locates one file.
type Resolution struct {
	WatchDirID   string
	ProjectID    string
	ProjectRoot  string
	RelativePath string
}

// Resolver resolves paths against the configured watch dirs.
type Resolver struct {
	dirs []WatchDir
}

// New creates a resolver. Watch dir paths are cleaned once up front.
func New(dirs []WatchDir) *Resolver {
	cleaned := make([]WatchDir, len(dirs))
	for i, d := range dirs {
		cleaned[i] = WatchDir{ID: d.ID, Path: filepath.Clean(d.Path)}
	}
	return &Resolver{dirs: cleaned}
}

// Resolve maps an absolute file path to its coordinates. Files outside
// every watch dir, or without a legal marker between them and their watch
// dir, are not processed.
func (r *Resolver) Resolve(absPath string) (Resolution, error) {
	absPath = filepath.Clean(absPath)

	wd, ok := r.watchDirOf(absPath)
	if !ok {
		return Resolution{}, cerrors.Newf(cerrors.KindNotFound,
			"path %s is outside every watched directory", absPath)
	}

	project, err := r.projectOf(wd, absPath)
	if err != nil {
		return Resolution{}, err
	}

	rel, err := filepath.Rel(project.RootPath, absPath)
	if err != nil {
		return Resolution{}, cerrors.Wrap(cerrors.KindFs, err)
	}

	return Resolution{
		WatchDirID:   wd.ID,
		ProjectID:    project.ID,
		ProjectRoot:  project.RootPath,
		RelativePath: filepath.ToSlash(rel),
	}, nil
}

// watchDirOf finds the watch dir containing the path. Configured watch dirs
// do not nest, so the first match is the only match.
func (r *Resolver) watchDirOf(absPath string) (WatchDir, bool) {
	for _, wd := range r.dirs {
		if absPath == wd.Path || strings.HasPrefix(absPath, wd.Path+string(filepath.Separator)) {
			return wd, true
		}
	}
	return WatchDir{}, false
}

// projectOf walks the whole path from the file up to the watch dir looking
// for a legal marker. Markers deeper than depth 1 never promote their
// directory: they are transparent, and the walk continues toward the watch
// dir. Only when no legal marker exists anywhere on the path is the file
// left unprocessed.
func (r *Resolver) projectOf(wd WatchDir, absPath string) (Project, error) {
	dir := filepath.Dir(absPath)
	for {
		markerPath := filepath.Join(dir, MarkerFile)
		if _, err := os.Stat(markerPath); err == nil && depthFrom(wd.Path, dir) <= 1 {
			marker, err := ReadMarker(markerPath)
			if err != nil {
				return Project{}, err
			}
			return Project{Marker: marker, RootPath: dir, WatchDirID: wd.ID}, nil
		}

		if dir == wd.Path {
			return Project{}, cerrors.Newf(cerrors.KindNotFound,
				"no projectid marker between %s and %s", absPath, wd.Path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Project{}, cerrors.Newf(cerrors.KindNotFound,
				"no projectid marker above %s", absPath)
		}
		dir = parent
	}
}

// depthFrom counts path components between root and dir.
func depthFrom(root, dir string) int {
	if root == dir {
		return 0
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

// ReadMarker parses a projectid file. The content must be JSON with a
// UUIDv4 id; a plain UUID string is rejected.
func ReadMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, cerrors.Wrapf(cerrors.KindFs, err, "read marker %s", path)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, cerrors.Newf(cerrors.KindParse,
			"marker %s is not JSON (plain-UUID markers are rejected)", path)
	}
	if u, err := uuid.Parse(m.ID); err != nil || u.Version() != 4 {
		return Marker{}, cerrors.Newf(cerrors.KindParse,
			"marker %s: id %q is not a UUIDv4", path, m.ID)
	}
	return m, nil
}

// DiscoverProjects scans a watch dir for markers at depth 0 and 1 and
// returns the projects they define. Unreadable or malformed markers are
// skipped, reported through errs.
func DiscoverProjects(wd WatchDir) (projects []Project, errs []error) {
	tryDir := func(dir string) {
		markerPath := filepath.Join(dir, MarkerFile)
		if _, err := os.Stat(markerPath); err != nil {
			return
		}
		marker, err := ReadMarker(markerPath)
		if err != nil {
			errs = append(errs, err)
			return
		}
		projects = append(projects, Project{Marker: marker, RootPath: dir, WatchDirID: wd.ID})
	}

	root := filepath.Clean(wd.Path)
	tryDir(root)

	entries, err := os.ReadDir(root)
	if err != nil {
		errs = append(errs, cerrors.Wrapf(cerrors.KindFs, err, "read watch dir %s", root))
		return projects, errs
	}
	for _, entry := range entries {
		if entry.IsDir() {
			tryDir(filepath.Join(root, entry.Name()))
		}
	}
	return projects, errs
}
