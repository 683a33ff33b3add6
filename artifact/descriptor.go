package artifact

import (
	"github.com/blang/semver/v4"
	"github.com/vmihailenco/msgpack/v5"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// Names shared by the builder and the engine.
const (
	SectionDescriptor = "modrt.descriptor"

	ExportViewID      = "modrt_view_id"
	ExportAPIVersion  = "modrt_api_version"
	ExportDataVersion = "modrt_data_version"
	ExportMemory      = "memory"
)

// Descriptor is the self-description an artifact carries in its custom
// section.
type Descriptor struct {
	Role        string       `msgpack:"role"`
	Name        string       `msgpack:"name"`
	Version     string       `msgpack:"version"`
	View        string       `msgpack:"view"`
	ViewID      uint64       `msgpack:"view_id"`
	APIVersion  uint64       `msgpack:"api"`
	DataVersion uint64       `msgpack:"data,omitempty"`
	Features    []string     `msgpack:"features,omitempty"`
	Models      []ModelDecl  `msgpack:"models,omitempty"`
	Fragments   []string     `msgpack:"fragments,omitempty"`
	Methods     []MethodDecl `msgpack:"methods,omitempty"`
	State       *StateDecl   `msgpack:"state,omitempty"`
}

// ModelDecl declares one data-kind of a Core artifact.
type ModelDecl struct {
	Name   string `msgpack:"name" yaml:"name"`
	Schema string `msgpack:"schema" yaml:"schema"`
}

// MethodDecl declares one exported contract method. Params and Results
// count i64 values.
type MethodDecl struct {
	Name     string `msgpack:"name"`
	Fragment string `msgpack:"fragment,omitempty"`
	Params   int    `msgpack:"params"`
	Results  int    `msgpack:"results"`
}

// StateDecl lists what survives a reload: exported mutable i64 globals and,
// when Memory is set, the exported linear memory.
type StateDecl struct {
	Globals []string `msgpack:"globals,omitempty"`
	Memory  bool     `msgpack:"memory,omitempty"`
}

// Stateful reports whether the descriptor declares any state.
func (d *Descriptor) Stateful() bool {
	return d.State != nil && (len(d.State.Globals) > 0 || d.State.Memory)
}

// ParsedRole returns the role as a modrt.Role.
func (d *Descriptor) ParsedRole() (modrt.Role, error) {
	r, ok := modrt.ParseRole(d.Role)
	if !ok {
		return 0, errors.SymbolInvalid(SectionDescriptor, "unknown role "+d.Role)
	}
	return r, nil
}

// ParsedVersion returns the module version. An empty version is 0.0.0.
func (d *Descriptor) ParsedVersion() (semver.Version, error) {
	if d.Version == "" {
		return semver.Version{}, nil
	}
	v, err := semver.Parse(d.Version)
	if err != nil {
		return semver.Version{}, errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
			Path(SectionDescriptor, "version").Cause(err).Build()
	}
	return v, nil
}

// Validate checks the descriptor for internal consistency: the view id must
// be derived from the view name, and method and model names must be unique.
func (d *Descriptor) Validate() error {
	role, err := d.ParsedRole()
	if err != nil {
		return err
	}
	if _, err := d.ParsedVersion(); err != nil {
		return err
	}
	if d.Name == "" {
		return errors.SymbolInvalid(SectionDescriptor, "empty module name")
	}
	if d.View == "" {
		return errors.SymbolInvalid(SectionDescriptor, "empty view name")
	}
	if got := uint64(modrt.ViewIDOf(d.View)); got != d.ViewID {
		return errors.SymbolInvalid(SectionDescriptor,
			"view id "+modrt.ViewID(d.ViewID).String()+" is not derived from "+d.View)
	}
	if role == modrt.RoleCore && d.DataVersion == 0 {
		return errors.SymbolInvalid(SectionDescriptor, "core module without data version")
	}
	if d.Stateful() && d.DataVersion == 0 {
		return errors.SymbolInvalid(SectionDescriptor, "stateful module without data version")
	}

	seen := make(map[string]bool)
	for _, m := range d.Methods {
		if m.Name == "" || seen[m.Name] || reserved(m.Name) {
			return errors.SymbolInvalid(m.Name, "invalid or duplicate method name")
		}
		if m.Params < 0 || m.Results < 0 {
			return errors.SymbolInvalid(m.Name, "invalid arity")
		}
		seen[m.Name] = true
	}
	clear(seen)
	for _, m := range d.Models {
		if m.Name == "" || seen[m.Name] {
			return errors.SymbolInvalid(SectionDescriptor, "invalid or duplicate model "+m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// ViewIDValue returns the view id as a modrt.ViewID.
func (d *Descriptor) ViewIDValue() modrt.ViewID { return modrt.ViewID(d.ViewID) }

// APITag returns the API tag.
func (d *Descriptor) APITag() version.Tag { return version.Tag(d.APIVersion) }

// DataTag returns the data tag, zero for stateless System artifacts.
func (d *Descriptor) DataTag() version.Tag { return version.Tag(d.DataVersion) }

// FragmentIDs derives the fragment ids from the declared fragment names.
func (d *Descriptor) FragmentIDs() []modrt.FragmentID {
	if len(d.Fragments) == 0 {
		return nil
	}
	out := make([]modrt.FragmentID, len(d.Fragments))
	for i, f := range d.Fragments {
		out[i] = modrt.FragmentIDOf(d.View, f)
	}
	return out
}

// ModelInfos converts the model declarations to registry form.
func (d *Descriptor) ModelInfos() []modrt.ModelTypeInfo {
	out := make([]modrt.ModelTypeInfo, len(d.Models))
	for i, m := range d.Models {
		out[i] = modrt.ModelTypeInfo{
			Type:   modrt.ModelTypeOf(d.View, m.Name),
			Name:   m.Name,
			Schema: m.Schema,
		}
	}
	return out
}

// ContractMethods converts the method declarations to contract form.
func (d *Descriptor) ContractMethods() []modrt.Method {
	out := make([]modrt.Method, len(d.Methods))
	for i, m := range d.Methods {
		out[i] = modrt.Method{Name: m.Name, Params: m.Params, Results: m.Results, Fragment: m.Fragment}
	}
	return out
}

// Marshal encodes the descriptor for the custom section.
func (d *Descriptor) Marshal() ([]byte, error) {
	return msgpack.Marshal(d)
}

// UnmarshalDescriptor decodes a custom section payload.
func UnmarshalDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
			Path(SectionDescriptor).Cause(err).Detail("decode descriptor").Build()
	}
	return &d, nil
}

func reserved(name string) bool {
	switch name {
	case ExportViewID, ExportAPIVersion, ExportDataVersion, ExportMemory:
		return true
	}
	return false
}
