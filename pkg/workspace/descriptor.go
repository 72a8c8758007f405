// Package workspace defines workspace descriptors and the registries that
// resolve them by name.
package workspace

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrUnknownWorkspace indicates a lookup for a name the registry does not hold.
	ErrUnknownWorkspace = errors.New("unknown workspace")

	// ErrDuplicateWorkspace indicates two entries resolve to the same name.
	ErrDuplicateWorkspace = errors.New("duplicate workspace")

	// ErrEmptyPath indicates an entry without a content path.
	ErrEmptyPath = errors.New("workspace path is empty")
)

// Descriptor identifies a loadable workspace. It is immutable once built.
type Descriptor struct {
	Name     string `yaml:"name" json:"name"`
	Nickname string `yaml:"nickname,omitempty" json:"nickname,omitempty"`
	Path     string `yaml:"path" json:"path"`
}

// NewDescriptor builds a descriptor whose name is derived from path.
func NewDescriptor(path, nickname string) Descriptor {
	return Descriptor{
		Name:     NameFromPath(path),
		Nickname: nickname,
		Path:     path,
	}
}

// DisplayName returns the nickname, falling back to the name.
func (d Descriptor) DisplayName() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	return d.Name
}

// IsZero reports whether d is the zero descriptor.
func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

func (d Descriptor) String() string {
	return d.DisplayName()
}

// NameFromPath returns the base name of path without its extension.
func NameFromPath(path string) string {
	base := filepath.Base(filepath.ToSlash(path))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Registry resolves workspaces by name and reports the one active at startup.
type Registry interface {
	Lookup(name string) (Descriptor, bool)
	Active() (Descriptor, bool)
}
