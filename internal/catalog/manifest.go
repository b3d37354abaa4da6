package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/capgate/internal/model"
)

// manifestSchemaMajor is the manifest schema generation this build understands.
// Manifests declaring any other major version are rejected.
const manifestSchemaMajor = "1"

var validName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParamSpec describes one capability parameter.
type ParamSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// CapabilitySpec declares one operation a plugin exposes.
type CapabilitySpec struct {
	Name                 string          `yaml:"name"`
	Description          string          `yaml:"description"`
	RiskLevel            model.RiskLevel `yaml:"risk_level"`
	ConfirmationRequired bool            `yaml:"confirmation_required"`
	Permissions          []string        `yaml:"permissions"`
	Params               []ParamSpec     `yaml:"params"`
}

// BackendSpec declares how a plugin's capabilities execute, plus the
// backend-specific connection data.
type BackendSpec struct {
	Kind model.BackendKind `yaml:"kind"`

	// cli and container
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// http
	BaseURL string `yaml:"base_url,omitempty"`
	Path    string `yaml:"path,omitempty"`

	// container
	Image      string `yaml:"image,omitempty"`
	PullPolicy string `yaml:"pull_policy,omitempty"`

	// Output format for cli/container stdout: "json" or "text".
	Output string `yaml:"output,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// PluginMeta is the plugin-level block of a manifest.
type PluginMeta struct {
	Name        string          `yaml:"name"`
	Version     string          `yaml:"version"`
	Description string          `yaml:"description"`
	RiskLevel   model.RiskLevel `yaml:"risk_level"`
}

// Manifest is a parsed plugin manifest file.
type Manifest struct {
	SchemaVersion string           `yaml:"schema_version"`
	Plugin        PluginMeta       `yaml:"plugin"`
	Backend       BackendSpec      `yaml:"backend"`
	Capabilities  []CapabilitySpec `yaml:"capabilities"`
}

// LoadManifest reads and validates a single plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest structural invariants. A failing manifest
// disables its plugin only, never the catalog as a whole.
func (m *Manifest) Validate() error {
	major, _, ok := strings.Cut(m.SchemaVersion, ".")
	if !ok || major != manifestSchemaMajor {
		return fmt.Errorf("unsupported schema_version %q (want %s.x)", m.SchemaVersion, manifestSchemaMajor)
	}
	if !validName.MatchString(m.Plugin.Name) {
		return fmt.Errorf("invalid plugin name %q", m.Plugin.Name)
	}
	if m.Plugin.RiskLevel == "" {
		m.Plugin.RiskLevel = model.RiskLow
	}
	if !m.Plugin.RiskLevel.Valid() {
		return fmt.Errorf("plugin %s: invalid risk_level %q", m.Plugin.Name, m.Plugin.RiskLevel)
	}
	if !m.Backend.Kind.Valid() {
		return fmt.Errorf("plugin %s: invalid backend kind %q", m.Plugin.Name, m.Backend.Kind)
	}

	switch m.Backend.Kind {
	case model.BackendCLI:
		if m.Backend.Command == "" {
			return fmt.Errorf("plugin %s: cli backend requires a command", m.Plugin.Name)
		}
	case model.BackendHTTP:
		if m.Backend.BaseURL == "" {
			return fmt.Errorf("plugin %s: http backend requires a base_url", m.Plugin.Name)
		}
	case model.BackendContainer:
		if m.Backend.Image == "" {
			return fmt.Errorf("plugin %s: container backend requires an image", m.Plugin.Name)
		}
	}

	if len(m.Capabilities) == 0 {
		return fmt.Errorf("plugin %s: no capabilities declared", m.Plugin.Name)
	}
	seen := make(map[string]bool, len(m.Capabilities))
	for i := range m.Capabilities {
		c := &m.Capabilities[i]
		if !validName.MatchString(c.Name) {
			return fmt.Errorf("plugin %s: invalid capability name %q", m.Plugin.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("plugin %s: duplicate capability %q", m.Plugin.Name, c.Name)
		}
		seen[c.Name] = true
		if c.RiskLevel == "" {
			c.RiskLevel = m.Plugin.RiskLevel
		}
		if !c.RiskLevel.Valid() {
			return fmt.Errorf("plugin %s: capability %s: invalid risk_level %q", m.Plugin.Name, c.Name, c.RiskLevel)
		}
		for _, p := range c.Params {
			switch p.Type {
			case "string", "int", "float", "bool", "list", "map":
			default:
				return fmt.Errorf("plugin %s: capability %s: param %s has unknown type %q",
					m.Plugin.Name, c.Name, p.Name, p.Type)
			}
		}
	}

	return nil
}

// JSONSchema renders the parameter list as a JSON-schema object for the
// Reasoner-facing catalog view.
func JSONSchema(params []ParamSpec) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		typ := p.Type
		switch typ {
		case "int":
			typ = "integer"
		case "float":
			typ = "number"
		case "bool":
			typ = "boolean"
		case "list":
			typ = "array"
		case "map":
			typ = "object"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
