package capability

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

var ErrUnknownModel = errors.New("no capability entry for model")

type ModelEntry struct {
	ID           string `yaml:"id"`
	Capabilities `yaml:",inline"`
}

type ProviderEntry struct {
	Name         string        `yaml:"name"`
	DefaultModel string        `yaml:"default_model"`
	Emulate      Features      `yaml:"emulate"`
	Defaults     *Capabilities `yaml:"defaults"`
	Models       []ModelEntry  `yaml:"models"`
}

type file struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// Entry is the result of a lookup. Defaulted is set when the model has no
// entry of its own and the provider's explicit defaults block was used.
type Entry struct {
	Capabilities
	Defaulted bool
}

type providerIndex struct {
	entry  ProviderEntry
	models map[string]Capabilities
}

type Catalog struct {
	order     []string
	providers map[string]*providerIndex
}

// Load reads a catalog from path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in capability catalog is invalid: %v", err))
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse capability catalog: %w", err)
	}

	c := &Catalog{providers: make(map[string]*providerIndex)}
	for _, p := range f.Providers {
		if p.Name == "" {
			return nil, errors.New("capability catalog: provider without name")
		}
		if _, dup := c.providers[p.Name]; dup {
			return nil, fmt.Errorf("capability catalog: duplicate provider %q", p.Name)
		}
		for _, feat := range p.Emulate {
			if !feat.Emulatable() {
				return nil, fmt.Errorf("capability catalog: provider %q: feature %q cannot be emulated", p.Name, feat)
			}
		}
		if p.Defaults != nil && p.Defaults.MaxContextTokens <= 0 {
			return nil, fmt.Errorf("capability catalog: provider %q: defaults need max_context_tokens", p.Name)
		}

		idx := &providerIndex{entry: p, models: make(map[string]Capabilities, len(p.Models))}
		for _, m := range p.Models {
			if m.ID == "" {
				return nil, fmt.Errorf("capability catalog: provider %q: model without id", p.Name)
			}
			if m.MaxContextTokens <= 0 {
				return nil, fmt.Errorf("capability catalog: %s/%s: max_context_tokens must be positive", p.Name, m.ID)
			}
			idx.models[m.ID] = m.Capabilities
		}
		if p.DefaultModel == "" && len(p.Models) > 0 {
			idx.entry.DefaultModel = p.Models[0].ID
		}

		c.providers[p.Name] = idx
		c.order = append(c.order, p.Name)
	}

	return c, nil
}

// Providers returns provider names in catalog order.
func (c *Catalog) Providers() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Provider(name string) (ProviderEntry, bool) {
	idx, ok := c.providers[name]
	if !ok {
		return ProviderEntry{}, false
	}
	return idx.entry, true
}

// Models returns the models listed for a provider in catalog order.
func (c *Catalog) Models(provider string) []string {
	idx, ok := c.providers[provider]
	if !ok {
		return nil
	}
	models := make([]string, 0, len(idx.entry.Models))
	for _, m := range idx.entry.Models {
		models = append(models, m.ID)
	}
	return models
}

func (c *Catalog) DefaultModel(provider string) string {
	if idx, ok := c.providers[provider]; ok {
		return idx.entry.DefaultModel
	}
	return ""
}

func (c *Catalog) Emulations(provider string) Features {
	if idx, ok := c.providers[provider]; ok {
		return append(Features(nil), idx.entry.Emulate...)
	}
	return nil
}

func (c *Catalog) Lookup(provider, model string) (Entry, bool) {
	idx, ok := c.providers[provider]
	if !ok {
		return Entry{}, false
	}
	if caps, ok := idx.models[model]; ok {
		return Entry{Capabilities: caps}, true
	}
	if idx.entry.Defaults != nil {
		return Entry{Capabilities: *idx.entry.Defaults, Defaulted: true}, true
	}
	return Entry{}, false
}

// Verify checks that every model reported by a provider resolves to a
// capability entry, either its own or the provider's explicit defaults.
func (c *Catalog) Verify(provider string, models []string) error {
	var missing []string
	for _, m := range models {
		if _, ok := c.Lookup(provider, m); !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: provider %s: %v", ErrUnknownModel, provider, missing)
	}
	return nil
}

// ProviderCatalog is the view of the catalog handed to a single adapter.
type ProviderCatalog struct {
	catalog  *Catalog
	provider string
}

func (c *Catalog) For(provider string) ProviderCatalog {
	return ProviderCatalog{catalog: c, provider: provider}
}

func (p ProviderCatalog) Name() string { return p.provider }

func (p ProviderCatalog) Models() []string { return p.catalog.Models(p.provider) }

func (p ProviderCatalog) DefaultModel() string { return p.catalog.DefaultModel(p.provider) }

// Capabilities returns the zero value for unknown models; callers check model
// membership before trusting it.
func (p ProviderCatalog) Capabilities(model string) Capabilities {
	e, _ := p.catalog.Lookup(p.provider, model)
	return e.Capabilities
}
