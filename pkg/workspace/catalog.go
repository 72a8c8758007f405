package workspace

import (
	"fmt"
	"os"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML layout of a catalog.
type catalogFile struct {
	Active     string       `yaml:"active"`
	Workspaces []Descriptor `yaml:"workspaces"`
}

// Catalog is an in-memory registry indexed by workspace name.
// It is safe for concurrent use.
type Catalog struct {
	index  cmap.ConcurrentMap[string, Descriptor]
	mu     sync.RWMutex
	order  []string
	active string
}

// NewCatalog builds a catalog from descriptors. Entries without a name take
// the name derived from their path.
func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{index: cmap.New[Descriptor]()}
	for _, d := range descriptors {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c, err := NewCatalog(file.Workspaces...)
	if err != nil {
		return nil, err
	}
	if file.Active != "" {
		if err := c.SetActive(file.Active); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add inserts a descriptor, rejecting empty paths and duplicate names.
func (c *Catalog) Add(d Descriptor) error {
	if d.Path == "" {
		return fmt.Errorf("%w: %q", ErrEmptyPath, d.Name)
	}
	if d.Name == "" {
		d.Name = NameFromPath(d.Path)
	}
	if !c.index.SetIfAbsent(d.Name, d) {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkspace, d.Name)
	}

	c.mu.Lock()
	c.order = append(c.order, d.Name)
	c.mu.Unlock()
	return nil
}

// Lookup implements Registry.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	return c.index.Get(name)
}

// Active implements Registry.
func (c *Catalog) Active() (Descriptor, bool) {
	c.mu.RLock()
	name := c.active
	c.mu.RUnlock()
	if name == "" {
		return Descriptor{}, false
	}
	return c.index.Get(name)
}

// SetActive marks name as the workspace active at startup.
func (c *Catalog) SetActive(name string) error {
	if !c.index.Has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, name)
	}
	c.mu.Lock()
	c.active = name
	c.mu.Unlock()
	return nil
}

// List returns descriptors in declaration order.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	names := append([]string(nil), c.order...)
	c.mu.RUnlock()

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if d, ok := c.index.Get(name); ok {
			out = append(out, d)
		}
	}
	return out
}

// Replace swaps in the entries and active marker of other. Names missing
// from other are dropped.
func (c *Catalog) Replace(other *Catalog) {
	other.mu.RLock()
	order := append([]string(nil), other.order...)
	active := other.active
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool, len(order))
	for _, name := range order {
		keep[name] = true
		if d, ok := other.index.Get(name); ok {
			c.index.Set(name, d)
		}
	}
	for _, name := range c.order {
		if !keep[name] {
			c.index.Remove(name)
		}
	}
	c.order = order
	c.active = active
}

// Len returns the number of workspaces.
func (c *Catalog) Len() int {
	return c.index.Count()
}
