package service

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/site"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

func (m *memStore) GetURL(key string) string { return "https://cdn.example.com/" + key }

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestArchiveBuilderCollectsExistingArtifacts(t *testing.T) {
	root := t.TempDir()
	alphaDir := filepath.Join(root, "alpha")
	betaDir := filepath.Join(root, "beta")
	writeFile(t, filepath.Join(alphaDir, "urls.csv"), "url\nhttps://a.example\n")
	writeFile(t, filepath.Join(alphaDir, "summary.json"), `{"ok":true}`)
	writeFile(t, filepath.Join(betaDir, "pages.jsonl"), `{"url":"https://b.example"}`)

	registry := site.NewStaticRegistry([]config.SiteConfig{
		{Name: "alpha", ExportDir: alphaDir},
		{Name: "beta", ExportDir: betaDir},
		{Name: "gamma", ExportDir: filepath.Join(root, "gamma")},
	})
	archiveDir := filepath.Join(root, "archives")
	b := NewArchiveBuilder(site.NewDirArtifactStore(registry), config.ArchiveConfig{Dir: archiveDir}, nil, nil)

	info, err := b.Build(context.Background(), "run1", []string{"alpha", "beta", "gamma", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(archiveDir, "bulk-run1.zip"), info.Path)
	assert.Equal(t, 3, info.Files)
	assert.Positive(t, info.Size)
	assert.Empty(t, info.URL)
	assert.NotNil(t, info.BuiltAt)

	zr, err := zip.OpenReader(info.Path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"alpha/summary.json", "alpha/urls.csv", "beta/pages.jsonl"}, names)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestArchiveBuilderUploads(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha", "urls.csv"), "url\n")
	registry := site.NewStaticRegistry([]config.SiteConfig{{Name: "alpha", ExportDir: filepath.Join(root, "alpha")}})
	store := newMemStore()
	b := NewArchiveBuilder(site.NewDirArtifactStore(registry), config.ArchiveConfig{
		Dir:       filepath.Join(root, "archives"),
		Upload:    true,
		KeyPrefix: "bulk-runs",
	}, store, nil)

	info, err := b.Build(context.Background(), "run2", []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/bulk-runs/run2.zip", info.URL)

	uploaded, ok := store.objects["bulk-runs/run2.zip"]
	require.True(t, ok)
	assert.Len(t, uploaded, int(info.Size))

	// Local copy gone: Open falls back to object storage.
	require.NoError(t, os.Remove(info.Path))
	rc, err := b.Open(context.Background(), "run2")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, uploaded, data)
}

func TestArchiveBuilderEmptyRun(t *testing.T) {
	root := t.TempDir()
	b := NewArchiveBuilder(site.NewDirArtifactStore(site.NewStaticRegistry(nil)), config.ArchiveConfig{Dir: root}, nil, nil)

	info, err := b.Build(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Files)

	_, err = b.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestArchiveBuilderCanceled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha", "urls.csv"), "url\n")
	registry := site.NewStaticRegistry([]config.SiteConfig{{Name: "alpha", ExportDir: filepath.Join(root, "alpha")}})
	b := NewArchiveBuilder(site.NewDirArtifactStore(registry), config.ArchiveConfig{Dir: filepath.Join(root, "archives")}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Build(ctx, "run3", []string{"alpha"})
	require.ErrorIs(t, err, ErrArchiveBuild)
	_, statErr := os.Stat(b.Path("run3"))
	assert.True(t, os.IsNotExist(statErr))
}
