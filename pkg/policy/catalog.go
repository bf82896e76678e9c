package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sameehj/aegix/pkg/types"
)

// Catalog maps policy profile names to engines. Engines are swapped whole on
// reload; an invocation evaluates against the engine it looked up.
type Catalog struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	sources map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{
		engines: make(map[string]*Engine),
		sources: make(map[string]string),
	}
}

// SingleProfile returns a catalog serving e as the default profile.
func SingleProfile(e *Engine) *Catalog {
	c := NewCatalog()
	c.Set(types.DefaultProfile, e)
	return c
}

// LoadCatalog loads every profile file. If any file fails, no catalog is returned.
func LoadCatalog(paths map[string]string) (*Catalog, error) {
	c := NewCatalog()
	var errs []error
	for _, profile := range sortedKeys(paths) {
		path := paths[profile]
		engine, err := LoadEngine(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", profile, err))
			continue
		}
		c.engines[profile] = engine
		c.sources[profile] = path
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Set installs e under profile without a backing file.
func (c *Catalog) Set(profile string, e *Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines[profile] = e
}

// Lookup returns the engine currently serving profile.
func (c *Catalog) Lookup(profile string) (*Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.engines[profile]
	return e, ok
}

func (c *Catalog) Profiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.engines)
}

// Source returns the file backing profile, if any.
func (c *Catalog) Source(profile string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[profile]
}

// Reload rebuilds profile from its file. On failure the previous engine stays.
func (c *Catalog) Reload(profile string) error {
	path := c.Source(profile)
	if path == "" {
		return fmt.Errorf("profile %s has no policy file", profile)
	}
	engine, err := LoadEngine(path)
	if err != nil {
		return err
	}
	c.Set(profile, engine)
	return nil
}

func (c *Catalog) profilesFor(path string) []string {
	target := absClean(path)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var profiles []string
	for profile, source := range c.sources {
		if absClean(source) == target {
			profiles = append(profiles, profile)
		}
	}
	sort.Strings(profiles)
	return profiles
}

func (c *Catalog) sourceDirs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, source := range c.sources {
		seen[filepath.Dir(absClean(source))] = struct{}{}
	}
	return sortedKeys(seen)
}

func absClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
