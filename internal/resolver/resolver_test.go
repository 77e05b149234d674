package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

const (
	projAID = "0e3f9f3f-6d1f-4f1e-9a57-8b830e1f9f11"
	rootPID = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
)

func writeMarker(t *testing.T, dir, id string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := `{"id": "` + id + `", "name": "test"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte(content), 0o644))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("pass\n"), 0o644))
}

func TestResolveDepth1Project(t *testing.T) {
	w := t.TempDir()
	writeMarker(t, filepath.Join(w, "projA"), projAID)
	touch(t, filepath.Join(w, "projA", "pkg", "m.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	res, err := r.Resolve(filepath.Join(w, "projA", "pkg", "m.py"))
	require.NoError(t, err)

	assert.Equal(t, "W1", res.WatchDirID)
	assert.Equal(t, projAID, res.ProjectID)
	assert.Equal(t, filepath.Join(w, "projA"), res.ProjectRoot)
	assert.Equal(t, "pkg/m.py", res.RelativePath)
}

func TestResolveDepth0Project(t *testing.T) {
	w := t.TempDir()
	writeMarker(t, w, rootPID)
	touch(t, filepath.Join(w, "m.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	res, err := r.Resolve(filepath.Join(w, "m.py"))
	require.NoError(t, err)
	assert.Equal(t, rootPID, res.ProjectID)
	assert.Equal(t, "m.py", res.RelativePath)
}

func TestResolveOutsideWatched(t *testing.T) {
	r := New([]WatchDir{{ID: "W1", Path: t.TempDir()}})

	_, err := r.Resolve(filepath.Join(t.TempDir(), "m.py"))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindNotFound, cerrors.KindOf(err))
	assert.Contains(t, err.Error(), "outside")
}

func TestDeepMarkerIsIgnored(t *testing.T) {
	w := t.TempDir()
	// Marker at depth 2: /w/a/b/projectid, with no legal marker above it.
	writeMarker(t, filepath.Join(w, "a", "b"), projAID)
	touch(t, filepath.Join(w, "a", "b", "m.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	_, err := r.Resolve(filepath.Join(w, "a", "b", "m.py"))
	require.Error(t, err, "files under a deep marker must not be processed")
	assert.Equal(t, cerrors.KindNotFound, cerrors.KindOf(err))
}

func TestDeepMarkerIsTransparentToOuterProject(t *testing.T) {
	w := t.TempDir()
	// Legal marker at depth 0 and an illegal one at depth 2. The deep
	// marker is ignored, not promoted: files under it belong to the
	// outer project.
	writeMarker(t, w, rootPID)
	writeMarker(t, filepath.Join(w, "sub", "deep"), projAID)
	touch(t, filepath.Join(w, "sub", "deep", "file.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	res, err := r.Resolve(filepath.Join(w, "sub", "deep", "file.py"))
	require.NoError(t, err)
	assert.Equal(t, rootPID, res.ProjectID)
	assert.Equal(t, w, res.ProjectRoot)
	assert.Equal(t, "sub/deep/file.py", res.RelativePath)
}

func TestDeepMarkerIsTransparentToDepth1Project(t *testing.T) {
	w := t.TempDir()
	writeMarker(t, filepath.Join(w, "projA"), projAID)
	writeMarker(t, filepath.Join(w, "projA", "vendor"), rootPID) // depth 2: illegal
	touch(t, filepath.Join(w, "projA", "vendor", "m.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	res, err := r.Resolve(filepath.Join(w, "projA", "vendor", "m.py"))
	require.NoError(t, err)
	assert.Equal(t, projAID, res.ProjectID)
	assert.Equal(t, "vendor/m.py", res.RelativePath)
}

func TestNoMarkerMeansNotProcessed(t *testing.T) {
	w := t.TempDir()
	touch(t, filepath.Join(w, "orphan", "m.py"))

	r := New([]WatchDir{{ID: "W1", Path: w}})
	_, err := r.Resolve(filepath.Join(w, "orphan", "m.py"))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindNotFound, cerrors.KindOf(err))
}

func TestReadMarkerRejectsPlainUUID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MarkerFile)
	require.NoError(t, os.WriteFile(path, []byte(projAID), 0o644))

	_, err := ReadMarker(path)
	require.Error(t, err)
	assert.Equal(t, cerrors.KindParse, cerrors.KindOf(err))
}

func TestReadMarkerRejectsNonUUID4(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MarkerFile)
	// UUIDv1-shaped id.
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"id": "d9428888-122b-11e1-b85c-61cd3cbb3210"}`), 0o644))

	_, err := ReadMarker(path)
	require.Error(t, err)
	assert.Equal(t, cerrors.KindParse, cerrors.KindOf(err))
}

func TestDiscoverProjects(t *testing.T) {
	w := t.TempDir()
	writeMarker(t, filepath.Join(w, "projA"), projAID)
	writeMarker(t, filepath.Join(w, "projB"), rootPID)
	// Depth-2 marker must not be discovered.
	writeMarker(t, filepath.Join(w, "deep", "nested"), "2a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d")

	projects, errs := DiscoverProjects(WatchDir{ID: "W1", Path: w})
	assert.Empty(t, errs)
	require.Len(t, projects, 2)

	ids := []string{projects[0].ID, projects[1].ID}
	assert.ElementsMatch(t, []string{projAID, rootPID}, ids)
}

func TestDiscoverSkipsMalformedMarker(t *testing.T) {
	w := t.TempDir()
	writeMarker(t, filepath.Join(w, "good"), projAID)
	require.NoError(t, os.MkdirAll(filepath.Join(w, "bad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(w, "bad", MarkerFile), []byte("not json"), 0o644))

	projects, errs := DiscoverProjects(WatchDir{ID: "W1", Path: w})
	require.Len(t, projects, 1)
	assert.Equal(t, projAID, projects[0].ID)
	assert.Len(t, errs, 1)
}
