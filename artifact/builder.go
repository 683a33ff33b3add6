package artifact

import (
	"github.com/blang/semver/v4"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// Spec describes an artifact to build.
type Spec struct {
	Role        modrt.Role
	Name        string
	Version     semver.Version
	View        string
	APIVersion  version.Tag
	DataVersion version.Tag
	Features    []string
	Models      []ModelDecl
	Fragments   []string
	Methods     []Method
	Globals     []Global
	// MemoryPages adds an exported linear memory of that many 64KiB pages.
	MemoryPages uint32
	// PersistMemory includes the memory in saved state.
	PersistMemory bool
}

// Method is an exported function taking Params i64 values and returning
// Results i64 values. Locals adds i64 locals after the parameters. Body is
// the code produced by Assemble.
type Method struct {
	Name     string
	Fragment string
	Params   int
	Results  int
	Locals   int
	Body     []byte
}

// Global is an exported mutable i64 global. State globals are saved and
// restored across reloads.
type Global struct {
	Name  string
	Init  int64
	State bool
}

// Descriptor returns the descriptor Build embeds for s.
func (s *Spec) Descriptor() *Descriptor {
	d := &Descriptor{
		Role:        s.Role.String(),
		Name:        s.Name,
		Version:     s.Version.String(),
		View:        s.View,
		ViewID:      uint64(modrt.ViewIDOf(s.View)),
		APIVersion:  uint64(s.APIVersion),
		DataVersion: uint64(s.DataVersion),
		Features:    s.Features,
		Models:      s.Models,
		Fragments:   s.Fragments,
	}
	for _, m := range s.Methods {
		d.Methods = append(d.Methods, MethodDecl{
			Name:     m.Name,
			Fragment: m.Fragment,
			Params:   m.Params,
			Results:  m.Results,
		})
	}
	var state StateDecl
	for _, g := range s.Globals {
		if g.State {
			state.Globals = append(state.Globals, g.Name)
		}
	}
	state.Memory = s.PersistMemory
	if len(state.Globals) > 0 || state.Memory {
		d.State = &state
	}
	return d
}

func (s *Spec) exportsData() bool {
	return s.Role == modrt.RoleCore || s.DataVersion != 0
}

// Build validates s and encodes it as a wasm module.
func Build(s *Spec) ([]byte, error) {
	if s.PersistMemory && s.MemoryPages == 0 {
		return nil, errors.InvalidInput(errors.PhaseBuild, "persisted memory needs at least one page")
	}
	d := s.Descriptor()
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(errors.PhaseBuild, errors.KindInvalidInput, err, "descriptor")
	}
	seen := make(map[string]bool)
	for _, g := range s.Globals {
		if g.Name == "" || seen[g.Name] || reserved(g.Name) {
			return nil, errors.InvalidInput(errors.PhaseBuild, "invalid or duplicate global "+g.Name)
		}
		seen[g.Name] = true
	}
	for _, m := range s.Methods {
		if seen[m.Name] {
			return nil, errors.InvalidInput(errors.PhaseBuild, "method and global share name "+m.Name)
		}
	}
	payload, err := d.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseBuild, errors.KindInvalidInput, err, "encode descriptor")
	}

	consts := []constExport{
		{ExportViewID, d.ViewID},
		{ExportAPIVersion, d.APIVersion},
	}
	if s.exportsData() {
		consts = append(consts, constExport{ExportDataVersion, d.DataVersion})
	}

	// A Core artifact's methods describe the contract; only implementations
	// export code for them.
	methods := s.Methods
	if s.Role == modrt.RoleCore {
		methods = nil
	}

	wasm := append([]byte(nil), header...)

	// Type 0 is () -> i64 for the constants; each method gets its own type.
	var types []byte
	types = append(types, EncodeULEB128(uint32(1+len(methods)))...)
	types = append(types, 0x60, 0x00, 0x01, valI64)
	for _, m := range methods {
		types = append(types, 0x60)
		types = appendI64s(types, m.Params)
		types = appendI64s(types, m.Results)
	}
	wasm = appendSection(wasm, secType, types)

	var funcs []byte
	funcs = append(funcs, EncodeULEB128(uint32(len(consts)+len(methods)))...)
	for range consts {
		funcs = append(funcs, 0x00)
	}
	for i := range methods {
		funcs = append(funcs, EncodeULEB128(uint32(1+i))...)
	}
	wasm = appendSection(wasm, secFunction, funcs)

	if s.MemoryPages > 0 {
		mem := []byte{0x01, 0x00}
		mem = append(mem, EncodeULEB128(s.MemoryPages)...)
		wasm = appendSection(wasm, secMemory, mem)
	}

	if len(s.Globals) > 0 {
		var globals []byte
		globals = append(globals, EncodeULEB128(uint32(len(s.Globals)))...)
		for _, g := range s.Globals {
			globals = append(globals, valI64, 0x01, 0x42)
			globals = append(globals, EncodeSLEB128(g.Init)...)
			globals = append(globals, 0x0b)
		}
		wasm = appendSection(wasm, secGlobal, globals)
	}

	var exports []byte
	count := len(consts) + len(methods) + len(s.Globals)
	if s.MemoryPages > 0 {
		count++
	}
	exports = append(exports, EncodeULEB128(uint32(count))...)
	for i, c := range consts {
		exports = appendName(exports, c.name)
		exports = append(exports, exportFunc)
		exports = append(exports, EncodeULEB128(uint32(i))...)
	}
	for i, m := range methods {
		exports = appendName(exports, m.Name)
		exports = append(exports, exportFunc)
		exports = append(exports, EncodeULEB128(uint32(len(consts)+i))...)
	}
	for i, g := range s.Globals {
		exports = appendName(exports, g.Name)
		exports = append(exports, exportGlobal)
		exports = append(exports, EncodeULEB128(uint32(i))...)
	}
	if s.MemoryPages > 0 {
		exports = appendName(exports, ExportMemory)
		exports = append(exports, exportMemory, 0x00)
	}
	wasm = appendSection(wasm, secExport, exports)

	var code []byte
	code = append(code, EncodeULEB128(uint32(len(consts)+len(methods)))...)
	for _, c := range consts {
		body := []byte{0x00, 0x42}
		body = append(body, EncodeSLEB128(int64(c.value))...)
		body = append(body, 0x0b)
		code = append(code, EncodeULEB128(uint32(len(body)))...)
		code = append(code, body...)
	}
	for _, m := range methods {
		var body []byte
		if m.Locals > 0 {
			body = append(body, 0x01)
			body = append(body, EncodeULEB128(uint32(m.Locals))...)
			body = append(body, valI64)
		} else {
			body = append(body, 0x00)
		}
		body = append(body, m.Body...)
		body = append(body, 0x0b)
		code = append(code, EncodeULEB128(uint32(len(body)))...)
		code = append(code, body...)
	}
	wasm = appendSection(wasm, secCode, code)

	custom := appendName(nil, SectionDescriptor)
	custom = append(custom, payload...)
	wasm = appendSection(wasm, secCustom, custom)

	return wasm, nil
}

type constExport struct {
	name  string
	value uint64
}

func appendI64s(dst []byte, n int) []byte {
	dst = append(dst, EncodeULEB128(uint32(n))...)
	for range n {
		dst = append(dst, valI64)
	}
	return dst
}
