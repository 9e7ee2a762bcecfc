package agents

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.md
var definitionsFS embed.FS

// ErrUnknownAgent is returned by a Source that has no definition for an
// identity.
var ErrUnknownAgent = errors.New("unknown agent")

var identityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidIdentity reports whether id is usable as an agent identity. Identities
// become file names, so path characters are rejected.
func ValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// Source supplies the static definition content for an agent identity.
type Source interface {
	Get(identity string) ([]byte, error)
}

// Lister is a Source that can enumerate its identities.
type Lister interface {
	Source
	List() ([]string, error)
}

// EmbeddedSource serves the definitions compiled into the binary.
type EmbeddedSource struct{}

// Get returns the embedded definition for identity.
func (EmbeddedSource) Get(identity string) ([]byte, error) {
	if !ValidIdentity(identity) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, identity)
	}
	data, err := definitionsFS.ReadFile("definitions/" + identity + ".md")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, identity)
	}
	return data, nil
}

// List returns the embedded identities in sorted order.
func (EmbeddedSource) List() ([]string, error) {
	entries, err := fs.ReadDir(definitionsFS, "definitions")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".md"); ok {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DirSource reads <Dir>/<identity>.md, falling back to Fallback when the
// file does not exist.
type DirSource struct {
	Dir      string
	Fallback Source
}

// Get returns the override definition, or the fallback's.
func (d DirSource) Get(identity string) ([]byte, error) {
	if !ValidIdentity(identity) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, identity)
	}
	if d.Dir != "" {
		data, err := os.ReadFile(filepath.Join(d.Dir, identity+".md"))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read agent override %s: %w", identity, err)
		}
	}
	if d.Fallback == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, identity)
	}
	return d.Fallback.Get(identity)
}

// List merges override identities with the fallback's.
func (d DirSource) List() ([]string, error) {
	seen := map[string]bool{}
	if l, ok := d.Fallback.(Lister); ok {
		ids, err := l.List()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	if d.Dir != "" {
		entries, err := os.ReadDir(d.Dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read agent dir: %w", err)
		}
		for _, e := range entries {
			if name, ok := strings.CutSuffix(e.Name(), ".md"); ok && ValidIdentity(name) {
				seen[name] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// NewSource returns the embedded catalog, overlaid by dir when set.
func NewSource(dir string) Lister {
	if dir == "" {
		return EmbeddedSource{}
	}
	return DirSource{Dir: dir, Fallback: EmbeddedSource{}}
}

// Definition is the frontmatter of an agent definition file.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model,omitempty"`
	Tools       string `yaml:"tools,omitempty"`
	Body        string `yaml:"-"`
}

// ParseDefinition splits the YAML frontmatter from the instruction body.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return def, errors.New("missing frontmatter")
	}
	front, body, ok := bytes.Cut(rest, []byte("\n---"))
	if !ok {
		return def, errors.New("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(front, &def); err != nil {
		return def, fmt.Errorf("parse frontmatter: %w", err)
	}
	if def.Name == "" {
		return def, errors.New("frontmatter: name is required")
	}
	def.Body = strings.TrimSpace(string(body))
	return def, nil
}
