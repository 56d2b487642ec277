package site

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
)

func testRegistry() *StaticRegistry {
	return NewStaticRegistry([]config.SiteConfig{
		{Name: "beta", ExportDir: "/exports/beta"},
		{Name: "alpha", DisplayName: "Alpha", ExportDir: "/exports/alpha", Artifacts: []string{"urls.csv", "../escape.txt"}, Args: []string{"--lang=en"}},
		{Name: "gamma"},
	})
}

func TestStaticRegistry(t *testing.T) {
	r := testRegistry()

	s, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", s.DisplayName)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)

	var names []string
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, names)
}

func TestWorkerCommandBuilder(t *testing.T) {
	b, err := NewWorkerCommandBuilder(config.WorkerConfig{
		Program:          "/bin/worker",
		Args:             []string{"--headless"},
		ExtraArgsPattern: `^--[a-z][a-z0-9-]*(=[A-Za-z0-9._:/,@+-]*)?$`,
	})
	require.NoError(t, err)

	s, _ := testRegistry().Lookup("alpha")
	cmd, err := b.Build(s, domain.ExportOptions{
		Concurrency: 3,
		Resume:      true,
		Limit:       50,
		ExtraArgs:   []string{"--max-depth=2", "; rm -rf /", "-x", " "},
	})
	require.NoError(t, err)

	assert.Equal(t, "/bin/worker", cmd.Path)
	assert.Equal(t, []string{
		"--headless",
		"--site", "alpha",
		"--output", "/exports/alpha",
		"--concurrency", "3",
		"--resume",
		"--limit", "50",
		"--lang=en",
		"--max-depth=2",
	}, cmd.Args)
	assert.Equal(t, []string{"; rm -rf /", "-x"}, cmd.Rejected)
	assert.Contains(t, cmd.Env, "EXPORT_SITE=alpha")
	assert.Equal(t, "/bin/worker", cmd.Argv()[0])
}

func TestWorkerCommandBuilderWithoutPatternRejectsExtras(t *testing.T) {
	b, err := NewWorkerCommandBuilder(config.WorkerConfig{Program: "w"})
	require.NoError(t, err)
	s, _ := testRegistry().Lookup("beta")
	cmd, err := b.Build(s, domain.ExportOptions{ExtraArgs: []string{"--ok"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"--ok"}, cmd.Rejected)
	assert.Equal(t, []string{"--site", "beta", "--output", "/exports/beta"}, cmd.Args)
}

func TestWorkerCommandBuilderBadPattern(t *testing.T) {
	_, err := NewWorkerCommandBuilder(config.WorkerConfig{Program: "w", ExtraArgsPattern: "("})
	require.Error(t, err)
}

func TestDirArtifactStore(t *testing.T) {
	store := NewDirArtifactStore(testRegistry())

	alpha := store.Artifacts("alpha")
	require.Len(t, alpha, 2)
	assert.Equal(t, filepath.Join("/exports/alpha", "urls.csv"), alpha[0].Path)
	assert.Equal(t, filepath.Join("/exports/alpha", "escape.txt"), alpha[1].Path)

	beta := store.Artifacts("beta")
	assert.Len(t, beta, len(DefaultArtifacts))

	assert.Nil(t, store.Artifacts("gamma"))
	assert.Nil(t, store.Artifacts("unknown"))
}
