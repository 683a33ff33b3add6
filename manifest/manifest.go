package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"

	"github.com/blang/semver/v4"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/module-runtime/errors"
)

// App declares the modules of one application.
type App struct {
	Name    string   `yaml:"name"`
	Cores   []Core   `yaml:"cores"`
	Plugins []string `yaml:"plugins,omitempty"`
}

// Core declares one capability the application needs.
type Core struct {
	Name     string   `yaml:"name"`
	Features []string `yaml:"features,omitempty"`
	// Systems lists preferred implementations, best first. Empty means any
	// available System implementing the Core.
	Systems []string `yaml:"systems,omitempty"`
	// Version is a semver range the chosen System must satisfy.
	Version  string   `yaml:"version,omitempty"`
	Requires []string `yaml:"requires,omitempty"`
}

// Range parses Version. A Core without a version accepts any System.
func (c *Core) Range() (semver.Range, error) {
	if c.Version == "" {
		return func(semver.Version) bool { return true }, nil
	}
	r, err := semver.ParseRange(c.Version)
	if err != nil {
		return nil, errors.New(errors.PhaseManifest, errors.KindInvalidInput).
			Path("cores", c.Name, "version").Cause(err).Detail("bad version range %q", c.Version).Build()
	}
	return r, nil
}

// Core returns the declaration named name.
func (a *App) Core(name string) (Core, bool) {
	i := slices.IndexFunc(a.Cores, func(c Core) bool { return c.Name == name })
	if i < 0 {
		return Core{}, false
	}
	return a.Cores[i], true
}

// Validate checks names, version ranges and requirement references.
func (a *App) Validate() error {
	if a.Name == "" {
		return errors.InvalidInput(errors.PhaseManifest, "app has no name")
	}
	seen := make(map[string]bool, len(a.Cores))
	for _, c := range a.Cores {
		if c.Name == "" {
			return errors.InvalidInput(errors.PhaseManifest, "core without a name")
		}
		if seen[c.Name] {
			return errors.New(errors.PhaseManifest, errors.KindAlreadyRegistered).
				Path("cores", c.Name).Detail("core declared twice").Build()
		}
		seen[c.Name] = true
		if _, err := c.Range(); err != nil {
			return err
		}
	}
	for _, c := range a.Cores {
		for _, r := range c.Requires {
			if !seen[r] {
				return errors.New(errors.PhaseManifest, errors.KindNotFound).
					Path("cores", c.Name, "requires").Detail("unknown core %s", r).Build()
			}
		}
	}
	for _, p := range a.Plugins {
		if p == "" {
			return errors.InvalidInput(errors.PhaseManifest, "empty plugin name")
		}
	}
	return nil
}

// Load reads a manifest file. The format follows the extension: .yaml or
// .yml for YAML, .hcl for HCL.
func Load(path string) (*App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseManifest, errors.KindNotFound, err, "read manifest")
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".hcl":
		return ParseHCL(data, path)
	default:
		return nil, errors.InvalidInput(errors.PhaseManifest, "unknown manifest format "+filepath.Ext(path))
	}
}

// ParseYAML decodes and validates a YAML manifest. Unknown keys are errors.
func ParseYAML(data []byte) (*App, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var app App
	if err := dec.Decode(&app); err != nil {
		return nil, errors.Wrap(errors.PhaseManifest, errors.KindInvalidData, err, "decode yaml manifest")
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}
	return &app, nil
}

type hclApp struct {
	Name    string     `hcl:"name"`
	Plugins []string   `hcl:"plugins,optional"`
	Cores   []*hclCore `hcl:"core,block"`
}

type hclCore struct {
	Name     string   `hcl:"name,label"`
	Features []string `hcl:"features,optional"`
	Systems  []string `hcl:"systems,optional"`
	Version  string   `hcl:"version,optional"`
	Requires []string `hcl:"requires,optional"`
}

// ParseHCL decodes and validates an HCL manifest. filename is used in
// diagnostics only.
func ParseHCL(data []byte, filename string) (*App, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.PhaseManifest, errors.KindInvalidData, diags, "parse hcl manifest")
	}

	var parsed hclApp
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, errors.Wrap(errors.PhaseManifest, errors.KindInvalidData, diags, "decode hcl manifest")
	}

	app := &App{Name: parsed.Name, Plugins: parsed.Plugins}
	for _, c := range parsed.Cores {
		app.Cores = append(app.Cores, Core{
			Name:     c.Name,
			Features: c.Features,
			Systems:  c.Systems,
			Version:  c.Version,
			Requires: c.Requires,
		})
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}
