package site

import (
	"sort"

	"github.com/timmy/sitexport/internal/config"
)

// Site is an allow-listed export target.
type Site struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	ExportDir   string   `json:"-"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Args        []string `json:"-"`
	Env         []string `json:"-"`
}

// Registry resolves a site token to its configuration.
type Registry interface {
	// Lookup returns the site for name. The boolean is false when the site
	// is not allow-listed.
	Lookup(name string) (Site, bool)

	// List returns every allow-listed site ordered by name.
	List() []Site
}

// StaticRegistry is a Registry backed by configuration loaded at startup.
type StaticRegistry struct {
	sites map[string]Site
}

// NewStaticRegistry builds a registry from the configured site list.
func NewStaticRegistry(cfgs []config.SiteConfig) *StaticRegistry {
	sites := make(map[string]Site, len(cfgs))
	for _, c := range cfgs {
		display := c.DisplayName
		if display == "" {
			display = c.Name
		}
		sites[c.Name] = Site{
			Name:        c.Name,
			DisplayName: display,
			ExportDir:   c.ExportDir,
			Artifacts:   append([]string(nil), c.Artifacts...),
			Args:        append([]string(nil), c.Args...),
			Env:         append([]string(nil), c.Env...),
		}
	}
	return &StaticRegistry{sites: sites}
}

func (r *StaticRegistry) Lookup(name string) (Site, bool) {
	s, ok := r.sites[name]
	return s, ok
}

func (r *StaticRegistry) List() []Site {
	out := make([]Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
