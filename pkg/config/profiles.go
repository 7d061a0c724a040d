package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/saworbit/perfrecord/pkg/transport"
	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned for a profile name that is not stored.
var ErrUnknownProfile = errors.New("unknown profile")

// DeviceProfile describes how to reach a remote machine.
type DeviceProfile struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username,omitempty"`
	// Options are extra ssh arguments, split on whitespace.
	Options string `yaml:"options,omitempty"`
	Askpass string `yaml:"askpass,omitempty"`
}

// PathProfile bundles the lookup paths used when analyzing a recording from
// a given machine. perfrecord only stores them.
type PathProfile struct {
	Sysroot           string `yaml:"sysroot,omitempty"`
	LibraryPaths      string `yaml:"library_paths,omitempty"`
	DebugPaths        string `yaml:"debug_paths,omitempty"`
	ExtraLibraryPaths string `yaml:"extra_library_paths,omitempty"`
	AppPath           string `yaml:"app_path,omitempty"`
	Architecture      string `yaml:"architecture,omitempty"`
}

// Profiles is the persisted set of named device and path profiles.
type Profiles struct {
	Devices map[string]DeviceProfile `yaml:"devices,omitempty"`
	Paths   map[string]PathProfile   `yaml:"paths,omitempty"`
}

// LoadProfiles reads the profile store at path. A missing file yields an
// empty store.
func LoadProfiles(path string) (*Profiles, error) {
	p := &Profiles{}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate profiles: %w", err)
	}

	return p, nil
}

// Save writes the store to path, replacing it atomically.
func (p *Profiles) Save(path string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate profiles: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write profiles: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace profiles: %w", err)
	}
	return nil
}

// Validate checks every stored profile.
func (p *Profiles) Validate() error {
	for name, d := range p.Devices {
		if name == "" {
			return fmt.Errorf("device profile with empty name")
		}
		if d.Hostname == "" {
			return fmt.Errorf("device %q: hostname is required", name)
		}
	}
	return nil
}

// SetDevice adds or replaces a device profile.
func (p *Profiles) SetDevice(name string, d DeviceProfile) {
	if p.Devices == nil {
		p.Devices = make(map[string]DeviceProfile)
	}
	p.Devices[name] = d
}

// RemoveDevice deletes a device profile and reports whether it existed.
func (p *Profiles) RemoveDevice(name string) bool {
	if _, ok := p.Devices[name]; !ok {
		return false
	}
	delete(p.Devices, name)
	return true
}

// DeviceNames returns the stored device names in sorted order.
func (p *Profiles) DeviceNames() []string {
	names := make([]string, 0, len(p.Devices))
	for name := range p.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device resolves a device profile into a remote target and its askpass
// program.
func (p *Profiles) Device(name string) (transport.Target, string, error) {
	d, ok := p.Devices[name]
	if !ok {
		return transport.Target{}, "", fmt.Errorf("device %q: %w", name, ErrUnknownProfile)
	}
	return transport.Remote(d.Hostname, d.Username, d.Options), d.Askpass, nil
}

// SetPath adds or replaces a path profile.
func (p *Profiles) SetPath(name string, pp PathProfile) {
	if p.Paths == nil {
		p.Paths = make(map[string]PathProfile)
	}
	p.Paths[name] = pp
}

// Path returns the named path profile.
func (p *Profiles) Path(name string) (PathProfile, error) {
	pp, ok := p.Paths[name]
	if !ok {
		return PathProfile{}, fmt.Errorf("path profile %q: %w", name, ErrUnknownProfile)
	}
	return pp, nil
}
