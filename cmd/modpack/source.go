package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/blang/semver/v4"
	"gopkg.in/yaml.v3"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// source is the YAML module descriptor modpack reads.
//
// Tags come from hashing source directories (api_source, data_source,
// relative to the descriptor) or are given literally (api, data).
type source struct {
	Role          string               `yaml:"role"`
	Name          string               `yaml:"name"`
	Version       string               `yaml:"version"`
	View          string               `yaml:"view"`
	Features      []string             `yaml:"features"`
	API           string               `yaml:"api"`
	Data          string               `yaml:"data"`
	APISource     string               `yaml:"api_source"`
	DataSource    string               `yaml:"data_source"`
	Models        []artifact.ModelDecl `yaml:"models"`
	Fragments     []string             `yaml:"fragments"`
	Methods       []sourceMethod       `yaml:"methods"`
	Globals       []sourceGlobal       `yaml:"globals"`
	MemoryPages   uint32               `yaml:"memory_pages"`
	PersistMemory bool                 `yaml:"persist_memory"`
}

type sourceMethod struct {
	Name     string `yaml:"name"`
	Fragment string `yaml:"fragment"`
	Params   int    `yaml:"params"`
	Results  int    `yaml:"results"`
	Locals   int    `yaml:"locals"`
	Body     string `yaml:"body"`
}

type sourceGlobal struct {
	Name  string `yaml:"name"`
	Init  int64  `yaml:"init"`
	State bool   `yaml:"state"`
}

// readSource decodes the descriptor at path into a build spec.
func readSource(path string) (*artifact.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseBuild, errors.KindNotFound, err, "read descriptor")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var src source
	if err := dec.Decode(&src); err != nil {
		return nil, errors.Wrap(errors.PhaseBuild, errors.KindInvalidData, err, "decode descriptor")
	}
	return src.spec(filepath.Dir(path))
}

func (src *source) spec(base string) (*artifact.Spec, error) {
	role, ok := modrt.ParseRole(src.Role)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseBuild, "unknown role "+src.Role)
	}
	s := &artifact.Spec{
		Role:          role,
		Name:          src.Name,
		View:          src.View,
		Features:      src.Features,
		Models:        src.Models,
		Fragments:     src.Fragments,
		MemoryPages:   src.MemoryPages,
		PersistMemory: src.PersistMemory,
	}
	if src.Version != "" {
		v, err := semver.ParseTolerant(src.Version)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseBuild, errors.KindInvalidInput, err, "version")
		}
		s.Version = v
	}

	var err error
	if s.APIVersion, err = tag(base, src.API, src.APISource); err != nil {
		return nil, err
	}
	if s.DataVersion, err = tag(base, src.Data, src.DataSource); err != nil {
		return nil, err
	}

	var globals []string
	for _, g := range src.Globals {
		s.Globals = append(s.Globals, artifact.Global{Name: g.Name, Init: g.Init, State: g.State})
		globals = append(globals, g.Name)
	}
	for _, m := range src.Methods {
		method := artifact.Method{
			Name:     m.Name,
			Fragment: m.Fragment,
			Params:   m.Params,
			Results:  m.Results,
			Locals:   m.Locals,
		}
		if role != modrt.RoleCore {
			body, err := artifact.Assemble(m.Body, globals...)
			if err != nil {
				return nil, errors.New(errors.PhaseBuild, errors.KindInvalidInput).
					Path("methods", m.Name).Cause(err).Detail("assemble body").Build()
			}
			method.Body = body
		}
		s.Methods = append(s.Methods, method)
	}
	return s, nil
}

// tag returns the literal tag if set, else the hash of dir, else zero.
func tag(base, literal, dir string) (version.Tag, error) {
	switch {
	case literal != "":
		return version.ParseTag(literal)
	case dir != "":
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		return version.HashDir(dir)
	default:
		return version.Zero, nil
	}
}
