// Package catalog builds the capability catalog from plugin manifests.
// Descriptors are immutable after a build; plugin reload rebuilds the
// catalog wholesale and swaps it at the gateway.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/capgate/internal/model"
)

// Descriptor describes one capability under its qualified name.
type Descriptor struct {
	Name                 string          `json:"name"` // "<plugin>_<capability>"
	Plugin               string          `json:"plugin"`
	Capability           string          `json:"capability"`
	Description          string          `json:"description"`
	RiskLevel            model.RiskLevel `json:"risk_level"`
	ConfirmationRequired bool            `json:"confirmation_required"`
	Permissions          []string        `json:"permissions,omitempty"`
	Params               []ParamSpec     `json:"params,omitempty"`
	Backend              BackendSpec     `json:"-"`
}

// Entry is the Reasoner-facing view of one capability.
type Entry struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema"`
}

// Catalog is the active capability set built from plugin manifests.
type Catalog struct {
	byName   map[string]Descriptor
	order    []string
	disabled map[string]string // plugin -> reason it was excluded
	loadErrs map[string]error  // plugin/file -> manifest error
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Plugin  string
	MaxRisk model.RiskLevel
}

// Build loads every *.yaml manifest under dir. A malformed manifest disables
// only its own plugin. Plugins with high or critical risk are excluded from
// the active set unless named in allowlist; dangerous capability sets are
// disabled by default.
func Build(dir string, allowlist []string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read manifest directory: %w", err)
	}

	allowed := make(map[string]bool, len(allowlist))
	for _, p := range allowlist {
		allowed[p] = true
	}

	c := &Catalog{
		byName:   make(map[string]Descriptor),
		disabled: make(map[string]string),
		loadErrs: make(map[string]error),
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			c.loadErrs[strings.TrimSuffix(name, filepath.Ext(name))] = err
			continue
		}
		c.addPlugin(m, allowed)
	}

	return c, nil
}

// FromManifests builds a catalog from already-parsed manifests. Used by
// tests and by hosts that register inprocess plugins programmatically.
func FromManifests(manifests []*Manifest, allowlist []string) *Catalog {
	allowed := make(map[string]bool, len(allowlist))
	for _, p := range allowlist {
		allowed[p] = true
	}
	c := &Catalog{
		byName:   make(map[string]Descriptor),
		disabled: make(map[string]string),
		loadErrs: make(map[string]error),
	}
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			c.loadErrs[m.Plugin.Name] = err
			continue
		}
		c.addPlugin(m, allowed)
	}
	return c
}

func (c *Catalog) addPlugin(m *Manifest, allowed map[string]bool) {
	if m.Plugin.RiskLevel.Dangerous() && !allowed[m.Plugin.Name] {
		c.disabled[m.Plugin.Name] = fmt.Sprintf("risk level %s requires explicit allowlisting", m.Plugin.RiskLevel)
		return
	}

	for _, cap := range m.Capabilities {
		qualified := m.Plugin.Name + "_" + cap.Name
		if _, dup := c.byName[qualified]; dup {
			c.loadErrs[m.Plugin.Name] = fmt.Errorf("capability %q already registered", qualified)
			continue
		}
		c.byName[qualified] = Descriptor{
			Name:                 qualified,
			Plugin:               m.Plugin.Name,
			Capability:           cap.Name,
			Description:          cap.Description,
			RiskLevel:            cap.RiskLevel,
			ConfirmationRequired: cap.ConfirmationRequired,
			Permissions:          cap.Permissions,
			Params:               cap.Params,
			Backend:              m.Backend,
		}
		c.order = append(c.order, qualified)
	}
}

// Describe returns the descriptor for a qualified capability name.
func (c *Catalog) Describe(name string) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// List returns descriptors matching the filter, in registration order.
func (c *Catalog) List(f Filter) []Descriptor {
	var out []Descriptor
	for _, name := range c.order {
		d := c.byName[name]
		if f.Plugin != "" && d.Plugin != f.Plugin {
			continue
		}
		if f.MaxRisk != "" && model.RiskRank[d.RiskLevel] > model.RiskRank[f.MaxRisk] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ReasonerView exports every active capability as name/description/schema,
// the shape a planning component consumes to propose calls.
func (c *Catalog) ReasonerView() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		d := c.byName[name]
		out = append(out, Entry{
			Name:            d.Name,
			Description:     d.Description,
			ParameterSchema: JSONSchema(d.Params),
		})
	}
	return out
}

// LoadErrors reports manifests that failed to load, keyed by plugin.
func (c *Catalog) LoadErrors() map[string]error {
	return c.loadErrs
}

// Disabled reports plugins excluded from the active set and why.
func (c *Catalog) Disabled() map[string]string {
	return c.disabled
}

// Len returns the number of active capabilities.
func (c *Catalog) Len() int {
	return len(c.byName)
}
