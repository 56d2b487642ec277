package site

import "path/filepath"

// DefaultArtifacts are the files a worker writes when a site does not list its own.
var DefaultArtifacts = []string{
	"urls.csv",
	"pages.jsonl",
	"errors.csv",
	"summary.json",
}

// Artifact is one exportable file of a site.
type Artifact struct {
	Site string
	Name string
	Path string
}

// ArtifactStore resolves where a site's export artifacts live.
type ArtifactStore interface {
	Artifacts(site string) []Artifact
}

// DirArtifactStore maps artifacts to files in each site's export directory.
type DirArtifactStore struct {
	registry Registry
}

func NewDirArtifactStore(registry Registry) *DirArtifactStore {
	return &DirArtifactStore{registry: registry}
}

// Artifacts returns candidate artifact locations. Files may not exist; callers
// skip the absent ones. Unknown sites and sites without an export dir yield nil.
func (s *DirArtifactStore) Artifacts(name string) []Artifact {
	st, ok := s.registry.Lookup(name)
	if !ok || st.ExportDir == "" {
		return nil
	}
	names := st.Artifacts
	if len(names) == 0 {
		names = DefaultArtifacts
	}
	out := make([]Artifact, 0, len(names))
	for _, n := range names {
		out = append(out, Artifact{
			Site: name,
			Name: filepath.Base(n),
			Path: filepath.Join(st.ExportDir, filepath.Base(n)),
		})
	}
	return out
}
