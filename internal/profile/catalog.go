package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

// catalogFile is the on-disk layout of the profiles file.
type catalogFile struct {
	Active   string    `yaml:"active,omitempty"`
	Profiles []Profile `yaml:"profiles"`
}

// Catalog is the set of profiles plus the active selection, persisted to
// a YAML file after every change.
type Catalog struct {
	mu       sync.Mutex
	path     string
	now      func() time.Time
	profiles []Profile
	active   string
}

// Open loads the catalog at path. A missing file is seeded with the
// default profiles and written out.
func Open(path string) (*Catalog, error) {
	c := &Catalog{path: path, now: time.Now}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// Reload re-reads the file, replacing the in-memory catalog.
func (c *Catalog) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.profiles = Defaults(c.now())
		c.active = ""
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("profile: reading %s: %w", c.path, err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("profile: parsing %s: %w", c.path, err)
	}
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile: %s: %w", c.path, err)
		}
	}
	c.profiles = f.Profiles
	c.active = f.Active
	if c.active != "" && c.indexLocked(c.active) < 0 {
		c.active = ""
	}
	return nil
}

// List returns all profiles in catalog order.
func (c *Catalog) List() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.profiles)
}

// Get returns the profile with id.
func (c *Catalog) Get(id string) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c.profiles[i], nil
}

// Create adds a new profile with a generated id.
func (c *Catalog) Create(name string, curve protocol.ThrottleCurve, regen float64) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	p := Profile{
		ID:            newID(now),
		Name:          name,
		ThrottleCurve: curve,
		RegenBraking:  regen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	c.profiles = append(c.profiles, p)
	if err := c.saveLocked(); err != nil {
		c.profiles = c.profiles[:len(c.profiles)-1]
		return Profile{}, err
	}
	return p, nil
}

// Update replaces the curve and regen of an existing profile.
func (c *Catalog) Update(id string, curve protocol.ThrottleCurve, regen float64) (Profile, error) {
	return c.modify(id, func(p *Profile) {
		p.ThrottleCurve = curve
		p.RegenBraking = regen
	})
}

// Rename changes a profile's display name.
func (c *Catalog) Rename(id, name string) (Profile, error) {
	return c.modify(id, func(p *Profile) { p.Name = name })
}

func (c *Catalog) modify(id string, change func(*Profile)) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	p := c.profiles[i]
	change(&p)
	p.UpdatedAt = c.now()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}

	prev := c.profiles[i]
	c.profiles[i] = p
	if err := c.saveLocked(); err != nil {
		c.profiles[i] = prev
		return Profile{}, err
	}
	return p, nil
}

// Delete removes a profile. Deleting the active profile clears the
// active selection.
func (c *Catalog) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c.profiles = slices.Delete(c.profiles, i, i+1)
	if c.active == id {
		c.active = ""
	}
	return c.saveLocked()
}

// Active returns the active profile, if one is selected.
func (c *Catalog) Active() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return Profile{}, false
	}
	i := c.indexLocked(c.active)
	if i < 0 {
		return Profile{}, false
	}
	return c.profiles[i], true
}

// SetActive selects the active profile. An empty id clears the selection.
func (c *Catalog) SetActive(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" && c.indexLocked(id) < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c.active = id
	return c.saveLocked()
}

func (c *Catalog) indexLocked(id string) int {
	return slices.IndexFunc(c.profiles, func(p Profile) bool { return p.ID == id })
}

func (c *Catalog) saveLocked() error {
	data, err := yaml.Marshal(catalogFile{Active: c.active, Profiles: c.profiles})
	if err != nil {
		return fmt.Errorf("profile: encoding catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("profile: creating directory: %w", err)
	}
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("profile: writing catalog: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("profile: moving catalog: %w", err)
	}
	return nil
}
