package slicestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/model"
)

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestDirLister_OrderAndAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := touch(t, dir, "slice-b.pcap", now.Add(-5*time.Second))
	a := touch(t, dir, "slice-a.pcap", now.Add(-1*time.Second))
	touch(t, dir, "notes.txt", now.Add(-10*time.Second))

	files, err := DirLister{Pattern: "*.pcap", Now: func() time.Time { return now }}.ListFiles(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, b, files[0].Path)
	assert.Equal(t, a, files[1].Path)
	require.NotNil(t, files[0].AgeMs)
	assert.Equal(t, int64(5000), *files[0].AgeMs)
}

func TestDirLister_MissingDir(t *testing.T) {
	files, err := DirLister{}.ListFiles(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

type fakeLister struct {
	files []model.SliceFile
}

func (f *fakeLister) ListFiles(ctx context.Context, dir string) ([]model.SliceFile, error) {
	return f.files, nil
}

func TestStore_ListUnprocessed(t *testing.T) {
	lister := &fakeLister{files: []model.SliceFile{{Path: "s1"}, {Path: "s2"}}}
	store := New(lister)

	files, err := store.ListUnprocessed(context.Background(), NewCursor())
	require.NoError(t, err)
	assert.Empty(t, files, "no session dir yet")

	store.Reset("/captures/abc")
	processed := NewCursor()
	processed.Add("s1")

	files, err = store.ListUnprocessed(context.Background(), processed)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "s2", files[0].Path)
	assert.False(t, files[0].DiscoveredAt.IsZero())
	assert.Equal(t, 1, processed.Len(), "listing must not mutate the processed set")
}

func TestStore_DiscoveryOrderIsStable(t *testing.T) {
	lister := &fakeLister{files: []model.SliceFile{{Path: "s2"}}}
	store := New(lister)
	store.Reset("dir")

	_, err := store.ListUnprocessed(context.Background(), nil)
	require.NoError(t, err)

	// s1 shows up later but sorts first at the source; discovery order wins.
	lister.files = []model.SliceFile{{Path: "s1"}, {Path: "s2"}}
	files, err := store.ListUnprocessed(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "s2", files[0].Path)
	assert.Equal(t, "s1", files[1].Path)
}

func TestEligible(t *testing.T) {
	young, old := int64(200), int64(4000)
	files := []model.SliceFile{
		{Path: "young", AgeMs: &young},
		{Path: "unknown"},
		{Path: "old", AgeMs: &old},
	}
	got := Eligible(files, 1500*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, "unknown", got[0].Path)
	assert.Equal(t, "old", got[1].Path)
}

func TestCursor_Monotonic(t *testing.T) {
	c := NewCursor()
	assert.True(t, c.Add("b"))
	assert.True(t, c.Add("a"))
	assert.False(t, c.Add("a"))
	assert.True(t, c.Contains("a"))
	assert.Equal(t, []string{"a", "b"}, c.Keys())
}

func TestWatcher_WakesOnNewSlice(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher("*.pcap")
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "slice-1.pcap"), []byte("x"), 0644))
	select {
	case <-w.Wake():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a wake-up signal")
	}
}
