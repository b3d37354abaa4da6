package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/capgate/internal/model"
)

const goodManifest = `
schema_version: "1.0"
plugin:
  name: notes
  version: "0.1.0"
  description: note keeping
  risk_level: low
backend:
  kind: inprocess
capabilities:
  - name: add
    description: add a note
    params:
      - name: text
        type: string
        required: true
  - name: list
    description: list notes
`

const dangerousManifest = `
schema_version: "1.0"
plugin:
  name: deployer
  version: "0.1.0"
  risk_level: critical
backend:
  kind: cli
  command: deploy
capabilities:
  - name: rollout
    description: deploy to production
`

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestBuildQualifiedNames(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "notes.yaml", goodManifest)

	c, err := Build(dir, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}

	d, ok := c.Describe("notes_add")
	if !ok {
		t.Fatal("notes_add not found")
	}
	if d.Plugin != "notes" || d.Capability != "add" {
		t.Errorf("descriptor = %+v", d)
	}
	// Capability risk defaults to plugin risk.
	if d.RiskLevel != model.RiskLow {
		t.Errorf("risk = %s, want low", d.RiskLevel)
	}
	if _, ok := c.Describe("add"); ok {
		t.Error("unqualified name resolved")
	}
}

func TestBuildMalformedManifestIsolated(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "notes.yaml", goodManifest)
	writeManifest(t, dir, "broken.yaml", "schema_version: [not a string\n")
	writeManifest(t, dir, "wrong-version.yaml", `
schema_version: "2.0"
plugin: {name: future, version: "1.0"}
backend: {kind: inprocess}
capabilities: [{name: x, description: y}]
`)

	c, err := Build(dir, nil)
	if err != nil {
		t.Fatalf("build failed outright: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2 (good plugin only)", c.Len())
	}
	if len(c.LoadErrors()) != 2 {
		t.Errorf("load errors = %v, want 2 entries", c.LoadErrors())
	}
}

func TestBuildDangerousPluginNeedsAllowlist(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "deployer.yaml", dangerousManifest)

	c, err := Build(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("critical plugin active without allowlist: %d capabilities", c.Len())
	}
	if _, disabled := c.Disabled()["deployer"]; !disabled {
		t.Error("deployer not reported as disabled")
	}

	c, err = Build(dir, []string{"deployer"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Describe("deployer_rollout"); !ok {
		t.Error("allowlisted plugin still inactive")
	}
}

func TestManifestBackendValidation(t *testing.T) {
	cases := map[string]*Manifest{
		"cli without command": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: model.BackendCLI},
			Capabilities:  []CapabilitySpec{{Name: "c"}},
		},
		"http without base_url": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: model.BackendHTTP},
			Capabilities:  []CapabilitySpec{{Name: "c"}},
		},
		"container without image": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: model.BackendContainer},
			Capabilities:  []CapabilitySpec{{Name: "c"}},
		},
		"unknown kind": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: "serverless"},
			Capabilities:  []CapabilitySpec{{Name: "c"}},
		},
		"bad capability name": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: model.BackendInprocess},
			Capabilities:  []CapabilitySpec{{Name: "Bad Name"}},
		},
		"bad param type": {
			SchemaVersion: "1.0",
			Plugin:        PluginMeta{Name: "p", RiskLevel: model.RiskLow},
			Backend:       BackendSpec{Kind: model.BackendInprocess},
			Capabilities: []CapabilitySpec{{
				Name:   "c",
				Params: []ParamSpec{{Name: "x", Type: "tuple"}},
			}},
		},
	}
	for name, m := range cases {
		if err := m.Validate(); err == nil {
			t.Errorf("%s: Validate passed", name)
		}
	}
}

func TestValidateParams(t *testing.T) {
	d := Descriptor{
		Name: "notes_add",
		Params: []ParamSpec{
			{Name: "text", Type: "string", Required: true},
			{Name: "priority", Type: "int"},
			{Name: "tags", Type: "list"},
		},
	}

	cases := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"valid", map[string]any{"text": "hi", "priority": 2.0, "tags": []any{"a"}}, true},
		{"required only", map[string]any{"text": "hi"}, true},
		{"missing required", map[string]any{"priority": 1.0}, false},
		{"undeclared", map[string]any{"text": "hi", "color": "red"}, false},
		{"wrong type", map[string]any{"text": 5.0}, false},
		{"fractional int", map[string]any{"text": "hi", "priority": 2.5}, false},
		{"whole float as int", map[string]any{"text": "hi", "priority": 7.0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParams(d, tc.params)
			if (err == nil) != tc.ok {
				t.Errorf("ValidateParams = %v, want ok=%v", err, tc.ok)
			}
			if err != nil {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error type %T", err)
				}
			}
		})
	}
}

func TestReasonerView(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "notes.yaml", goodManifest)

	c, err := Build(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	view := c.ReasonerView()
	if len(view) != 2 {
		t.Fatalf("view has %d entries", len(view))
	}

	var add *Entry
	for i := range view {
		if view[i].Name == "notes_add" {
			add = &view[i]
		}
	}
	if add == nil {
		t.Fatal("notes_add missing from view")
	}
	props := add.ParameterSchema["properties"].(map[string]any)
	if props["text"].(map[string]any)["type"] != "string" {
		t.Errorf("schema = %+v", add.ParameterSchema)
	}
	required := add.ParameterSchema["required"].([]string)
	if len(required) != 1 || required[0] != "text" {
		t.Errorf("required = %v", required)
	}
}
